package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "broker",
	Short: "Multi-tenant broker for MCP tool servers",
	Long: `broker connects users and teams to third-party MCP tool servers.

It stores per-user and per-team credentials (API keys and OAuth tokens)
encrypted at rest, pools connections per credential owner, and exposes the
combined tools over a single MCP endpoint protected by its own OAuth 2.1
authorization server.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
// This function is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "broker version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}

// configPathOrDefault returns path, or ~/.config/broker when empty.
func configPathOrDefault(path string) string {
	if path != "" {
		return path
	}
	return config.GetDefaultConfigPathOrPanic()
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newServersCmd())
}
