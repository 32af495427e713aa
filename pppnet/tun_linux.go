//go:build linux

// Package pppnet owns the TUN network interface a PPP Link hands decoded
// IP packets to (and reads outbound packets from), bridging the PPP
// Network phase to the kernel's IP stack.
package pppnet

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const maxPacket = 1500

// Dispatcher receives one decoded IP packet read from the TUN device.
type Dispatcher interface {
	DispatchPacket(packet []byte)
}

// Interface owns a Linux TUN device: a reader goroutine feeds inbound
// packets to a Dispatcher (mirroring ppp_net_callback's read-then-
// ppp_transmit loop), while WritePacket pushes decoded PPP payloads the
// other way (ppp_net_process_packet).
type Interface struct {
	file   *os.File
	name   string
	logger *slog.Logger

	mu         sync.Mutex
	dispatcher Dispatcher
	mtu        int
	suspended  bool
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// OpenRawTun opens /dev/net/tun and binds it to requestedName via
// TUNSETIFF (IFF_TUN|IFF_NO_PI), returning the raw file and the
// kernel-assigned interface name. requestedName may use a "%d" pattern
// (e.g. "ppp%d", "gprs%d") to let the kernel pick the next free index.
// Shared by New (PPP's packet-dispatch interface) and rawip.Bridge (a
// byte-for-byte pump with no packet framing of its own).
func OpenRawTun(requestedName string) (*os.File, string, error) {
	file, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, "", fmt.Errorf("pppnet: open /dev/net/tun: %w", err)
	}

	var ifr struct {
		name  [unix.IFNAMSIZ]byte
		flags uint16
		_     [22]byte
	}
	copy(ifr.name[:], requestedName)
	ifr.flags = unix.IFF_TUN | unix.IFF_NO_PI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, file.Fd(), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		file.Close()
		return nil, "", fmt.Errorf("pppnet: TUNSETIFF: %w", errno)
	}

	return file, nullTerminatedString(ifr.name[:]), nil
}

// New opens a TUN device. If requestedName is empty the kernel assigns the
// next free "ppp%d"-style name, mirroring ppp_net_new's fd < 0 branch; a
// nonempty name requests that exact interface.
func New(requestedName string, logger *slog.Logger) (*Interface, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if requestedName == "" {
		requestedName = "ppp%d"
	}
	file, name, err := OpenRawTun(requestedName)
	if err != nil {
		return nil, err
	}

	iface := &Interface{
		file:   file,
		name:   name,
		logger: logger.With("component", "pppnet", "interface", name),
		mtu:    maxPacket,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	return iface, nil
}

// Name returns the kernel-assigned interface name (e.g. "ppp0").
func (i *Interface) Name() string { return i.name }

// SetMTU applies SIOCSIFMTU, mirroring ppp_net_set_mtu.
func (i *Interface) SetMTU(mtu int) error {
	if mtu > maxPacket {
		return fmt.Errorf("pppnet: mtu %d exceeds maximum %d", mtu, maxPacket)
	}
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return err
	}
	defer unix.Close(sock)

	var ifr struct {
		name [unix.IFNAMSIZ]byte
		mtu  int32
		_    [20]byte
	}
	copy(ifr.name[:], i.name)
	ifr.mtu = int32(mtu)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(sock), uintptr(unix.SIOCSIFMTU), uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		return fmt.Errorf("pppnet: SIOCSIFMTU: %w", errno)
	}
	i.mu.Lock()
	i.mtu = mtu
	i.mu.Unlock()
	return nil
}

// Attach starts the reader goroutine delivering packets to d, mirroring
// the Go TUN endpoint's Attach(dispatcher)/dispatchLoop idiom.
func (i *Interface) Attach(d Dispatcher) {
	i.mu.Lock()
	i.dispatcher = d
	i.mu.Unlock()
	go i.dispatchLoop()
}

func (i *Interface) dispatchLoop() {
	defer close(i.doneCh)
	buf := make([]byte, maxPacket)
	for {
		select {
		case <-i.stopCh:
			return
		default:
		}
		n, err := i.file.Read(buf)
		if err != nil {
			i.logger.Debug("pppnet tun read stopped", "error", err)
			return
		}
		if n <= 0 {
			continue
		}
		i.mu.Lock()
		dispatcher := i.dispatcher
		suspended := i.suspended
		i.mu.Unlock()
		if dispatcher != nil && !suspended {
			packet := make([]byte, n)
			copy(packet, buf[:n])
			dispatcher.DispatchPacket(packet)
		}
	}
}

// WritePacket writes a decoded IP packet down to the kernel, mirroring
// ppp_net_process_packet.
func (i *Interface) WritePacket(packet []byte) error {
	_, err := i.file.Write(packet)
	return err
}

// Suspend and Resume bracket an HDLC escape-to-command-mode transition,
// mirroring ppp_net_suspend_interface/resume_interface: the original tears
// down its GIOChannel watch; the Go equivalent simply stops delivering
// reads to the dispatcher without closing the fd.
func (i *Interface) Suspend() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.suspended = true
}

func (i *Interface) Resume() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.suspended = false
}

// Close stops the reader goroutine and closes the TUN fd.
func (i *Interface) Close() error {
	close(i.stopCh)
	err := i.file.Close()
	<-i.doneCh
	return err
}

func nullTerminatedString(b []byte) string {
	for idx, c := range b {
		if c == 0 {
			return string(b[:idx])
		}
	}
	return string(b)
}
