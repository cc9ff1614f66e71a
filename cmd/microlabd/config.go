package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/DolicaAkelloEgwel/syringeposter/comms"
	"github.com/DolicaAkelloEgwel/syringeposter/logger"
	"github.com/DolicaAkelloEgwel/syringeposter/microlab"
	"github.com/DolicaAkelloEgwel/syringeposter/pv"
)

// Config carries the daemon settings, read from an optional YAML file with
// MICROLABD_* environment overrides.
type Config struct {
	Device DeviceConfig `mapstructure:"device"`
	HTTP   HTTPConfig   `mapstructure:"http"`
	Log    LogConfig    `mapstructure:"log"`
}

// DeviceConfig selects the instrument connection. Exactly one of Endpoint
// and SerialPort must be set.
type DeviceConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	SerialPort     string        `mapstructure:"serial_port"`
	SerialBaud     int           `mapstructure:"serial_baud"`
	Address        string        `mapstructure:"address"`
	ReceiveTimeout time.Duration `mapstructure:"receive_timeout"`
	PollPeriod     time.Duration `mapstructure:"poll_period"`
}

type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// loadConfig reads the configuration. An explicit path must exist; without
// one, a microlabd.yaml on the search path is used when present and the
// defaults otherwise.
func loadConfig(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("microlabd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/microlabd")
	}

	v.SetEnvPrefix("MICROLABD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("device.endpoint", "")
	v.SetDefault("device.serial_port", "")
	v.SetDefault("device.serial_baud", comms.DefaultSerialBaud)
	v.SetDefault("device.address", microlab.DefaultAddress)
	v.SetDefault("device.receive_timeout", comms.DefaultReceiveTimeout)
	v.SetDefault("device.poll_period", pv.DefaultPollPeriod)
	v.SetDefault("http.listen", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("microlabd: reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("microlabd: parsing config: %w", err)
	}

	return cfg, nil
}

// newLink builds the instrument link the device section describes.
func newLink(dc DeviceConfig, log logger.Logger) (*comms.Conn, error) {
	opts := []comms.Option{comms.WithLogger(log)}
	if dc.ReceiveTimeout > 0 {
		opts = append(opts, comms.WithReceiveTimeout(dc.ReceiveTimeout))
	}

	switch {
	case dc.SerialPort != "" && dc.Endpoint != "":
		return nil, errors.New("microlabd: set either device.endpoint or device.serial_port, not both")
	case dc.SerialPort != "":
		if dc.SerialBaud > 0 {
			opts = append(opts, comms.WithSerialBaud(dc.SerialBaud))
		}
		cfg, err := comms.NewSerialConfig(dc.SerialPort, opts...)
		if err != nil {
			return nil, err
		}
		return comms.NewConn(cfg)
	case dc.Endpoint != "":
		host, port, err := splitEndpoint(dc.Endpoint)
		if err != nil {
			return nil, err
		}
		cfg, err := comms.NewConfig(host, port, opts...)
		if err != nil {
			return nil, err
		}
		return comms.NewConn(cfg)
	default:
		return nil, errors.New("microlabd: no device configured, set device.endpoint or device.serial_port")
	}
}

func splitEndpoint(endpoint string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", 0, fmt.Errorf("microlabd: invalid device endpoint %q: %w", endpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("microlabd: invalid device port %q", portStr)
	}
	return host, port, nil
}

// build creates the daemon logger from the log section.
func (lc LogConfig) build() logger.Logger {
	level := parseLevel(lc.Level)
	switch strings.ToLower(lc.Format) {
	case "console":
		return logger.NewConsoleSlog(level, os.Stdout)
	case "json":
		return logger.NewJSONSlog(level, false, os.Stdout)
	default:
		return logger.NewSlog(level, false)
	}
}

func parseLevel(s string) logger.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logger.DebugLevel
	case "warn", "warning":
		return logger.WarnLevel
	case "error":
		return logger.ErrorLevel
	default:
		return logger.InfoLevel
	}
}
