// Package config defines gatmuxd's configuration surface, loaded by
// configulator.New[Config]() from environment variables and an optional
// config file, mirroring DMRHub/internal/config's nested struct plus
// enums.go's LogLevel type.
package config

import "fmt"

// LogLevel selects the minimum slog level cmd/gatmuxd logs at, mirroring
// DMRHub/internal/config/enums.go's LogLevel.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Personality selects what cmd/gatmuxd layers on top of the serial
// Endpoint it opens, mirroring emulator.Personality plus the raw-IP
// transport the library also offers.
type Personality string

const (
	// PersonalityDUN runs an emulator.Emulator in DUN mode: identification
	// commands plus ATD/ATH/ATO PPP dial-up.
	PersonalityDUN Personality = "dun"
	// PersonalityHFP runs an emulator.Emulator in HFP mode: identification
	// commands plus the hands-free indicator/SLC set.
	PersonalityHFP Personality = "hfp"
	// PersonalityRawIP runs a rawip.Bridge instead of an emulator, for
	// modems that frame raw IP directly with no AT command layer at all.
	PersonalityRawIP Personality = "rawip"
)

// Transport selects the physical layer cmd/gatmuxd opens, mirroring the
// two concrete transports the library ships: a termios UART and an
// ioctl-driven SPI control interface (some cellular modems, e.g. u-blox
// and Quectel, expose SPI instead of, or alongside, UART).
type Transport string

const (
	TransportUART Transport = "uart"
	TransportSPI  Transport = "spi"
)

// SerialConfig describes the physical line cmd/gatmuxd opens.
type SerialConfig struct {
	Transport     Transport `yaml:"transport" env:"GATMUX_TRANSPORT"`
	Device        string    `yaml:"device" env:"GATMUX_DEVICE"`
	BaudRate      int       `yaml:"baud_rate" env:"GATMUX_BAUD_RATE"`
	ReadTimeoutMS int       `yaml:"read_timeout_ms" env:"GATMUX_READ_TIMEOUT_MS"`
	SPI           SPIConfig `yaml:"spi"`
}

// SPIConfig carries the spi.Config fields for a TransportSPI line, unused
// for TransportUART.
type SPIConfig struct {
	Mode          uint32 `yaml:"mode" env:"GATMUX_SPI_MODE"`
	Bits          uint8  `yaml:"bits" env:"GATMUX_SPI_BITS"`
	SpeedHz       uint32 `yaml:"speed_hz" env:"GATMUX_SPI_SPEED_HZ"`
	DelayUsec     uint16 `yaml:"delay_usec" env:"GATMUX_SPI_DELAY_USEC"`
	CSChange      bool   `yaml:"cs_change" env:"GATMUX_SPI_CS_CHANGE"`
	TXNBits       uint8  `yaml:"tx_nbits" env:"GATMUX_SPI_TX_NBITS"`
	RXNBits       uint8  `yaml:"rx_nbits" env:"GATMUX_SPI_RX_NBITS"`
	WordDelayUsec uint8  `yaml:"word_delay_usec" env:"GATMUX_SPI_WORD_DELAY_USEC"`
}

// PPPConfig carries the PAP/CHAP credentials and addressing a DUN
// personality's PPP server negotiates, mirroring emulator.Config's
// Credentials/LocalAddress/PeerAddress/DNS1/DNS2 fields.
type PPPConfig struct {
	Username     string `yaml:"username" env:"GATMUX_PPP_USERNAME"`
	Password     string `yaml:"password" env:"GATMUX_PPP_PASSWORD"`
	LocalAddress string `yaml:"local_address" env:"GATMUX_PPP_LOCAL_ADDRESS"`
	PeerAddress  string `yaml:"peer_address" env:"GATMUX_PPP_PEER_ADDRESS"`
	DNS1         string `yaml:"dns1" env:"GATMUX_PPP_DNS1"`
	DNS2         string `yaml:"dns2" env:"GATMUX_PPP_DNS2"`
}

// HFPConfig carries the hands-free profile fields that aren't shared with
// DUN, mirroring emulator.Config's LocalFeatures/CallerNumber.
type HFPConfig struct {
	LocalFeatures int    `yaml:"local_features" env:"GATMUX_HFP_LOCAL_FEATURES"`
	CallerNumber  string `yaml:"caller_number" env:"GATMUX_HFP_CALLER_NUMBER"`
}

// MetricsConfig controls the Prometheus HTTP server, mirroring
// DMRHub/internal/metrics.CreateMetricsServer's config.Metrics fields.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"GATMUX_METRICS_ENABLED"`
	Bind    string `yaml:"bind" env:"GATMUX_METRICS_BIND"`
	Port    int    `yaml:"port" env:"GATMUX_METRICS_PORT"`
}

// Config is gatmuxd's top-level configuration.
type Config struct {
	LogLevel    LogLevel      `yaml:"log_level" env:"GATMUX_LOG_LEVEL"`
	Personality Personality   `yaml:"personality" env:"GATMUX_PERSONALITY"`
	Serial      SerialConfig  `yaml:"serial"`
	PPP         PPPConfig     `yaml:"ppp"`
	HFP         HFPConfig     `yaml:"hfp"`
	Metrics     MetricsConfig `yaml:"metrics"`
}

// Default returns the configuration new-install instances start from,
// mirroring what configulator.New[Config]().Default() would otherwise
// leave as Go zero values for the fields that need a non-zero default.
func Default() Config {
	return Config{
		LogLevel:    LogLevelInfo,
		Personality: PersonalityDUN,
		Serial: SerialConfig{
			Transport:     TransportUART,
			Device:        "/dev/ttyUSB0",
			BaudRate:      115200,
			ReadTimeoutMS: 100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    9095,
		},
	}
}

// Validate rejects configurations runRoot can't act on, mirroring
// DMRHub/internal/config/validate.go's role ahead of server startup.
func (c *Config) Validate() error {
	if c.Serial.Device == "" {
		return fmt.Errorf("serial.device must not be empty")
	}
	switch c.Serial.Transport {
	case "", TransportUART:
		if c.Serial.BaudRate <= 0 {
			return fmt.Errorf("serial.baud_rate must be positive")
		}
	case TransportSPI:
		if c.Serial.SPI.SpeedHz == 0 {
			return fmt.Errorf("serial.spi.speed_hz must be positive")
		}
	default:
		return fmt.Errorf("serial.transport must be one of %q, %q, got %q",
			TransportUART, TransportSPI, c.Serial.Transport)
	}
	switch c.Personality {
	case PersonalityDUN, PersonalityHFP, PersonalityRawIP:
	default:
		return fmt.Errorf("personality must be one of %q, %q, %q, got %q",
			PersonalityDUN, PersonalityHFP, PersonalityRawIP, c.Personality)
	}
	return nil
}
