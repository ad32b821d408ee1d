package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roomly/concierge/pkg/secrets"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a credential store encryption key",
	Long: `Generate a new random encryption key for the credential store and print
it to stdout. Put the key in the secrets.encryption_key config field or
the SECRETS_ENCRYPTION_KEY environment variable.`,
	RunE: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	key, err := secrets.GenerateKey()
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}
