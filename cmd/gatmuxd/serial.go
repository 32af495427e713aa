package main

import (
	"fmt"
	"io"
	"time"

	"github.com/daedaluz/gatmux/internal/config"
	"github.com/daedaluz/gatmux/serial"
	"github.com/daedaluz/gatmux/serial/spi"
)

// baudFlags maps the handful of rates a gatmuxd deployment is likely to
// configure to serial's CFlag constants; anything else falls back to
// BOTHER/SetCustomSpeed territory that Termios2 would be needed for, which
// this daemon doesn't expose.
var baudFlags = map[int]serial.CFlag{
	9600:    serial.B9600,
	19200:   serial.B19200,
	38400:   serial.B38400,
	57600:   serial.B57600,
	115200:  serial.B115200,
	230400:  serial.B230400,
	460800:  serial.B460800,
	921600:  serial.B921600,
	1000000: serial.B1000000,
}

// openTransport opens the physical line cmd/gatmuxd pumps bytes over,
// dispatching on cfg.Transport between a termios UART (the default) and an
// ioctl-driven SPI control interface, mirroring the way some cellular
// modems (u-blox, Quectel) expose SPI instead of, or alongside, UART.
func openTransport(cfg config.SerialConfig) (io.ReadWriteCloser, error) {
	switch cfg.Transport {
	case config.TransportSPI:
		return openSPI(cfg)
	default:
		return openSerial(cfg)
	}
}

// openSPI opens an SPI-attached modem's control interface, mirroring
// openSerial's open-then-configure shape but over serial/spi's ioctl
// plumbing instead of termios.
func openSPI(cfg config.SerialConfig) (*spi.Device, error) {
	dev, err := spi.Open(cfg.Device, &spi.Config{
		Mode:          spi.Mode(cfg.SPI.Mode),
		Bits:          cfg.SPI.Bits,
		Speed:         cfg.SPI.SpeedHz,
		DelayUsec:     cfg.SPI.DelayUsec,
		CSChange:      cfg.SPI.CSChange,
		TXNBits:       cfg.SPI.TXNBits,
		RXNBits:       cfg.SPI.RXNBits,
		WordDelayUsec: cfg.SPI.WordDelayUsec,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}
	return dev, nil
}

// openSerial opens and configures the physical line, mirroring the
// open/tcgetattr/cfmakeraw/cfsetspeed/tcsetattr sequence any termios-based
// serial tool runs before handing the fd to a protocol stack.
func openSerial(cfg config.SerialConfig) (*serial.Port, error) {
	opts := serial.NewOptions().SetReadTimeout(time.Duration(cfg.ReadTimeoutMS) * time.Millisecond)
	port, err := serial.Open(cfg.Device, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}

	baud, ok := baudFlags[cfg.BaudRate]
	if !ok {
		_ = port.Close()
		return nil, fmt.Errorf("unsupported baud rate %d", cfg.BaudRate)
	}

	if err := port.MakeRaw(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("make raw: %w", err)
	}
	attrs, err := port.GetAttr()
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("get attr: %w", err)
	}
	attrs.SetSpeed(baud)
	if err := port.SetAttr(serial.TCSANOW, attrs); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set attr: %w", err)
	}
	return port, nil
}
