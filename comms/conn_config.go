package comms

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/DolicaAkelloEgwel/syringeposter/logger"
)

// Default configuration values.
const (
	// DefaultReceiveTimeout bounds every receive on the link. The pump answers
	// well inside a second; anything slower is treated as a lost reply.
	DefaultReceiveTimeout = 1 * time.Second

	DefaultConnectTimeout = 3 * time.Second

	// DefaultRecvBufferSize is the size of the receive buffer for a single
	// read. Replies are a handful of bytes; the generous size absorbs queued
	// status chatter arriving in one burst.
	DefaultRecvBufferSize = 4096

	// DefaultSerialBaud is the pump's factory RS-232 rate (8N1).
	DefaultSerialBaud = 9600
)

// Configuration range limits.
const (
	MinReceiveTimeout = 10 * time.Millisecond
	MaxReceiveTimeout = 30 * time.Second

	MinRecvBufferSize = 64
)

// Config holds all configuration for a link to the pump.
type Config struct {
	host string
	port int

	// serialDevice selects the RS-232 transport when non-empty.
	serialDevice string
	serialBaud   int

	receiveTimeout time.Duration
	connectTimeout time.Duration
	recvBufferSize int

	logger logger.Logger
}

// NewConfig creates a configuration for a TCP link to the pump.
//
// host is the terminal server address and port its TCP port. opts are
// functional options applied in order; see the With* functions.
func NewConfig(host string, port int, opts ...Option) (*Config, error) {
	cfg := defaultConfig()

	if err := cfg.setHost(host); err != nil {
		return nil, err
	}
	if err := cfg.setPort(port); err != nil {
		return nil, err
	}

	if err := cfg.applyOptions(opts); err != nil {
		return nil, err
	}

	return cfg, nil
}

// NewSerialConfig creates a configuration for a direct RS-232 link to the
// pump. device is the serial device path (e.g. /dev/ttyUSB0).
func NewSerialConfig(device string, opts ...Option) (*Config, error) {
	if device == "" {
		return nil, errors.New("comms: serial device must not be empty")
	}

	cfg := defaultConfig()
	cfg.serialDevice = device

	if err := cfg.applyOptions(opts); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		serialBaud:     DefaultSerialBaud,
		receiveTimeout: DefaultReceiveTimeout,
		connectTimeout: DefaultConnectTimeout,
		recvBufferSize: DefaultRecvBufferSize,
		logger:         logger.GetLogger(),
	}
}

func (cfg *Config) applyOptions(opts []Option) error {
	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return err
		}
	}

	return nil
}

func (cfg *Config) setHost(host string) error {
	if ip := net.ParseIP(host); ip != nil {
		cfg.host = host
		return nil
	}

	host = strings.TrimPrefix(host, ".")
	host = strings.TrimSuffix(host, ".")
	if _, err := net.LookupHost(host); err == nil {
		cfg.host = host
		return nil
	}

	return fmt.Errorf("comms: invalid host %q", host)
}

func (cfg *Config) setPort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("comms: port %d out of range [0, 65535]", port)
	}
	cfg.port = port

	return nil
}

// --- Getters ---

// Host returns the configured host address.
func (cfg *Config) Host() string { return cfg.host }

// Port returns the configured TCP port.
func (cfg *Config) Port() int { return cfg.port }

// Addr returns "host:port".
func (cfg *Config) Addr() string { return fmt.Sprintf("%s:%d", cfg.host, cfg.port) }

// IsSerial returns true when the link uses the RS-232 transport.
func (cfg *Config) IsSerial() bool { return cfg.serialDevice != "" }

// SerialDevice returns the serial device path, or "" for a TCP link.
func (cfg *Config) SerialDevice() string { return cfg.serialDevice }

// SerialBaud returns the configured serial baud rate.
func (cfg *Config) SerialBaud() int { return cfg.serialBaud }

// Endpoint returns a printable description of the configured endpoint.
func (cfg *Config) Endpoint() string {
	if cfg.IsSerial() {
		return cfg.serialDevice
	}

	return cfg.Addr()
}

// ReceiveTimeout returns the per-receive timeout.
func (cfg *Config) ReceiveTimeout() time.Duration { return cfg.receiveTimeout }

// ConnectTimeout returns the TCP dial timeout.
func (cfg *Config) ConnectTimeout() time.Duration { return cfg.connectTimeout }

// RecvBufferSize returns the receive buffer size in bytes.
func (cfg *Config) RecvBufferSize() int { return cfg.recvBufferSize }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// --- Option ---

// Option is a functional option for configuring a Config.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithReceiveTimeout sets the per-receive timeout. The same timeout bounds
// each read while draining power-on chatter during Connect.
func WithReceiveTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinReceiveTimeout || d > MaxReceiveTimeout {
			return fmt.Errorf("comms: receive timeout %v out of range [%v, %v]", d, MinReceiveTimeout, MaxReceiveTimeout)
		}
		cfg.receiveTimeout = d

		return nil
	})
}

// WithConnectTimeout sets the TCP dial timeout.
func WithConnectTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("comms: connect timeout must be positive")
		}
		cfg.connectTimeout = d

		return nil
	})
}

// WithRecvBufferSize sets the receive buffer size in bytes.
func WithRecvBufferSize(size int) Option {
	return optFunc(func(cfg *Config) error {
		if size < MinRecvBufferSize {
			return fmt.Errorf("comms: receive buffer size %d below minimum %d", size, MinRecvBufferSize)
		}
		cfg.recvBufferSize = size

		return nil
	})
}

// WithSerialBaud sets the baud rate for the RS-232 transport.
func WithSerialBaud(baud int) Option {
	return optFunc(func(cfg *Config) error {
		if baud <= 0 {
			return fmt.Errorf("comms: invalid baud rate %d", baud)
		}
		cfg.serialBaud = baud

		return nil
	})
}

// WithLogger sets the logger for the link.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("comms: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
