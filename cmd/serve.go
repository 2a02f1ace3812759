package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/ferrants/ChaasKit-sub001/internal/app"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
)

// serveDebug enables verbose logging across the application.
var serveDebug bool

// serveLogFormat selects text or json log output.
var serveLogFormat string

// serveConfigPath specifies the configuration directory.
var serveConfigPath string

// serveCmd starts the broker.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broker",
	Long: `Starts the broker HTTP server.

The server exposes the MCP endpoint at /mcp, the OAuth authorization server
under /oauth (when inboundOAuth.enabled is set), the application API under
/api, /healthz and /metrics.

Configuration:
  broker loads config.yaml from the configuration directory
  (default ~/.config/broker, override with --config-path). The vault master
  key is read from the environment variable named by vault.keyEnv; generate
  one with 'broker keygen'.

Under systemd (Type=notify) readiness and shutdown are reported to the
service manager.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// runServe is the main entry point for the serve command
func runServe(cmd *cobra.Command, args []string) error {
	cfg := app.NewConfig(serveDebug, serveLogFormat, configPathOrDefault(serveConfigPath), GetVersion())

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return err
	}
	notifySystemd(daemon.SdNotifyReady)
	logging.Info("CLI", "Broker is running. Press Ctrl+C to stop.")

	<-ctx.Done()

	notifySystemd(daemon.SdNotifyStopping)
	return application.Shutdown()
}

// notifySystemd reports state to systemd. It is a no-op outside systemd.
func notifySystemd(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logging.Warn("CLI", "Failed to notify systemd (%s): %v", state, err)
		return
	}
	if sent {
		logging.Debug("CLI", "Notified systemd: %s", state)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().StringVar(&serveLogFormat, "log-format", "text", "Log output format: text or json")
	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "", "Configuration directory (default ~/.config/broker)")
}
