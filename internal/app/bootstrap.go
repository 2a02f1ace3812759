package app

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
)

// Application bootstraps and runs the broker.
//
// The Application follows a two-phase initialization pattern:
//  1. Bootstrap phase: load configuration, initialize logging, wire services
//  2. Execution phase: Start, then Shutdown once the caller is done
//
// Example usage:
//
//	cfg := app.NewConfig(false, "text", configPath, version)
//	application, err := app.NewApplication(cfg)
//	if err != nil {
//	    return fmt.Errorf("failed to create application: %w", err)
//	}
//	return application.Run(ctx)
type Application struct {
	config   *Config
	services *Services
}

// NewApplication configures logging, loads config.yaml from cfg.ConfigPath
// and wires every service. Nothing is started yet.
func NewApplication(cfg *Config) (*Application, error) {
	appLogLevel := logging.LevelInfo
	if cfg.Debug {
		appLogLevel = logging.LevelDebug
	}
	logging.Init(cfg.LogFormat, appLogLevel, os.Stdout)

	brokerCfg, err := config.LoadConfig(cfg.ConfigPath)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to load configuration from path: %s", cfg.ConfigPath)
		return nil, fmt.Errorf("failed to load configuration from path %s: %w", cfg.ConfigPath, err)
	}

	services, err := InitializeServices(brokerCfg, cfg.Version)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to initialize services")
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return &Application{
		config:   cfg,
		services: services,
	}, nil
}

// Services returns the wired services.
func (a *Application) Services() *Services {
	return a.services
}

// Start starts the background work and the HTTP listener.
func (a *Application) Start(ctx context.Context) error {
	if err := a.services.Start(ctx); err != nil {
		logging.Error("Bootstrap", err, "Failed to start services")
		// Release what did start.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.services.Config.Server.ShutdownTimeout)
		defer cancel()
		_ = a.services.Shutdown(shutdownCtx)
		return err
	}
	logging.Info("Bootstrap", "Broker started")
	return nil
}

// Addr returns the bound HTTP address once started.
func (a *Application) Addr() net.Addr {
	return a.services.Server.Addr()
}

// Shutdown stops all services, waiting for in-flight requests up to the
// configured shutdown timeout.
func (a *Application) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.services.Config.Server.ShutdownTimeout)
	defer cancel()

	logging.Info("Bootstrap", "Shutting down")
	return a.services.Shutdown(ctx)
}

// Run starts the application and blocks until ctx is cancelled, then shuts
// down.
func (a *Application) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return a.Shutdown()
}
