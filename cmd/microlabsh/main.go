// microlabsh is an interactive operator console for a Hamilton Microlab
// 600 pump.
//
// Connection settings come from the environment: MICROLAB_HOST and
// MICROLAB_PORT for a TCP link, MICROLAB_SERIAL for RS-232 (which takes
// precedence), and MICROLAB_ADDRESS for the device address.
package main

import (
	"context"
	"os"

	"github.com/caarlos0/env/v6"

	"github.com/DolicaAkelloEgwel/syringeposter/comms"
	"github.com/DolicaAkelloEgwel/syringeposter/logger"
	"github.com/DolicaAkelloEgwel/syringeposter/microlab"
	"github.com/DolicaAkelloEgwel/syringeposter/shell"
)

type envConfig struct {
	Host    string `env:"MICROLAB_HOST" envDefault:"localhost"`
	Port    int    `env:"MICROLAB_PORT" envDefault:"4001"`
	Serial  string `env:"MICROLAB_SERIAL"`
	Address string `env:"MICROLAB_ADDRESS" envDefault:"a"`
}

func main() {
	var cfg envConfig
	if err := env.Parse(&cfg); err != nil {
		logger.Fatal("Unable to read environment", "error", err)
	}

	// Keep the link quiet below warnings so request chatter does not
	// interleave with the prompt.
	log := logger.NewConsoleSlog(logger.WarnLevel, os.Stdout)

	link, err := newLink(cfg, log)
	if err != nil {
		logger.Fatal("Invalid connection settings", "error", err)
	}

	ctx := context.Background()
	if err := link.Connect(ctx); err != nil {
		logger.Fatal("Unable to connect to instrument", "error", err)
	}

	pump, err := microlab.New(link, microlab.WithAddress(cfg.Address))
	if err != nil {
		logger.Fatal("Unable to create controller", "error", err)
	}

	if err := pump.AutoAddress(ctx); err != nil {
		logger.Fatal("Address auto-assignment failed", "error", err)
	}

	sh, err := shell.New(pump)
	if err != nil {
		logger.Fatal("Unable to create console", "error", err)
	}

	sh.Run()

	if err := pump.Close(); err != nil {
		logger.Error("Unable to close instrument link", "error", err)
	}
}

func newLink(cfg envConfig, log logger.Logger) (*comms.Conn, error) {
	if cfg.Serial != "" {
		sc, err := comms.NewSerialConfig(cfg.Serial, comms.WithLogger(log))
		if err != nil {
			return nil, err
		}
		return comms.NewConn(sc)
	}

	tc, err := comms.NewConfig(cfg.Host, cfg.Port, comms.WithLogger(log))
	if err != nil {
		return nil, err
	}
	return comms.NewConn(tc)
}
