package cmd

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
)

// newServersCmd creates the command listing configured tool servers.
func newServersCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List the configured tool servers",
		Long: `Loads and validates config.yaml and prints the configured tool servers
with their transport, auth mode and connection pool.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.InitForCLI(logging.LevelWarn, cmd.ErrOrStderr())

			cfg, err := config.LoadConfig(configPathOrDefault(configPath))
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			renderServers(cmd.OutOrStdout(), cfg.MCPServers)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config-path", "", "Configuration directory (default ~/.config/broker)")
	return cmd
}

// renderServers writes servers as a table to w.
func renderServers(w io.Writer, servers []config.MCPServer) {
	if len(servers) == 0 {
		fmt.Fprintf(w, "%s\n", text.FgYellow.Sprint("No tool servers configured"))
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "NAME", "TRANSPORT", "AUTH MODE", "POOL", "ENDPOINT", "ENABLED"})

	for _, s := range servers {
		pool := "-"
		if scope, err := s.AuthMode.Scope(); err == nil {
			pool = string(scope)
		}
		enabled := text.FgGreen.Sprint("yes")
		if !s.IsEnabled() {
			enabled = text.FgHiBlack.Sprint("no")
		}
		t.AppendRow(table.Row{s.ID, s.DisplayName(), s.Transport, s.AuthMode, pool, s.Endpoint(), enabled})
	}

	t.AppendFooter(table.Row{"", "", "", "", "", "Total", len(servers)})
	t.Render()
}
