package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/internal/vault"
)

// newKeygenCmd creates the command printing a fresh vault master key.
func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a vault master key",
		Long: fmt.Sprintf(`Prints a new random base64 master key.

Export it in the environment variable named by vault.keyEnv
(default %s) before running 'broker serve'. Credentials stored
under one key cannot be decrypted with another.`, config.DefaultVaultKeyEnv),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := vault.GenerateMasterKey()
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}
