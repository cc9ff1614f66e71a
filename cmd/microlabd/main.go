// microlabd exposes a Hamilton Microlab 600 as a set of process variables
// over HTTP and WebSocket.
//
// It connects to the instrument over TCP or RS-232, mirrors its state into
// a record registry through background poll loops, and serves reads,
// writes and a live update stream until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/DolicaAkelloEgwel/syringeposter/logger"
	"github.com/DolicaAkelloEgwel/syringeposter/microlab"
	"github.com/DolicaAkelloEgwel/syringeposter/pv"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal("Unable to load configuration", "error", err)
	}

	log := cfg.Log.build()

	link, err := newLink(cfg.Device, log)
	if err != nil {
		log.Fatal("Invalid device configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := link.Connect(ctx); err != nil {
		log.Fatal("Unable to connect to instrument", "error", err)
	}

	pump, err := microlab.New(link,
		microlab.WithAddress(cfg.Device.Address),
		microlab.WithLogger(log),
	)
	if err != nil {
		log.Fatal("Unable to create controller", "error", err)
	}

	if err := pump.AutoAddress(ctx); err != nil {
		log.Fatal("Address auto-assignment failed", "error", err)
	}

	reg := pv.NewRegistry(log)
	mon, err := pv.NewMonitor(pump, reg, pv.WithPollPeriod(cfg.Device.PollPeriod))
	if err != nil {
		log.Fatal("Unable to create monitor", "error", err)
	}
	if err := mon.Start(ctx); err != nil {
		log.Fatal("Unable to start monitor", "error", err)
	}

	srv := pv.NewServer(reg, log)
	go srv.Run(ctx)

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: srv.Handler(),
	}
	go func() {
		log.Info("Serving process variables", "listen", cfg.HTTP.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", "error", err)
	}

	mon.Stop()

	if err := pump.Close(); err != nil {
		log.Error("Unable to close instrument link", "error", err)
	}
}
