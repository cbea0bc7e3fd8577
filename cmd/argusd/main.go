package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/evmon/argusd/internal/config"
	"github.com/evmon/argusd/internal/control"
	"github.com/evmon/argusd/internal/service"
)

const defaultConfigPath = "config/argusd.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting argusd",
		"version", service.Version,
		"config", *configPath,
		"debug", *debug,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	svc, err := service.New(cfg, nil, nil)
	if err != nil {
		slog.Error("failed to build service", "error", err)
		os.Exit(1)
	}
	if err := svc.Start(ctx); err != nil {
		slog.Error("failed to start service", "error", err)
		os.Exit(1)
	}

	healthServer := svc.StartHealthServer(cfg.HealthPort)

	// shutdownChan lets the control plane trigger the same path as a
	// signal.
	shutdownChan := make(chan struct{}, 1)

	var ctrl *control.Handler
	if cfg.Emit.MQTT.Enabled {
		ctrl = control.NewHandler(control.Config{
			Broker:   cfg.Emit.MQTT.Broker,
			ClientID: cfg.Emit.MQTT.ClientID + "-control",
			Topic:    fmt.Sprintf("argusd/%s/control", cfg.InstanceID),
			QoS:      cfg.Emit.MQTT.QoS,
			Username: cfg.Emit.MQTT.Username,
			Password: cfg.Emit.MQTT.Password,
		}, svc, func() {
			select {
			case shutdownChan <- struct{}{}:
			default:
			}
		})
		if err := ctrl.Start(ctx); err != nil {
			// The service still works over HTTP health + configured
			// streams; log and continue.
			slog.Error("failed to start control plane", "error", err)
			ctrl = nil
		}
	}

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-shutdownChan:
		slog.Info("shutdown requested via control plane")
	}

	// ctx stays live through the graceful shutdown so draining sessions
	// can finish their in-flight frames; the deferred cancel runs last.
	shutdownTimeout := cfg.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if ctrl != nil {
		ctrl.Stop()
	}
	svc.Stop(shutdownCtx)
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("health server shutdown failed", "error", err)
	}

	slog.Info("argusd stopped")
}
