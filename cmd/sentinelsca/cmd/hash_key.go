package cmd

import (
	"fmt"
	"os"

	"github.com/alexedwards/argon2id"
	"github.com/spf13/cobra"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [cleartext-key]",
	Short: "Generate an Argon2id hash for an agent API key",
	Long: `Generate the Argon2id hash IdentityService.VerifyKey compares
incoming X-API-Key headers against, for manually seeding a
state.json APIKeyEntry.key_hash field out of band.

Example:
  sentinelsca hash-key "my-secret-api-key"
  # Output: $argon2id$v=19$...

Security note: the key will appear in shell history. Prefer an
environment variable: sentinelsca hash-key "$AGENT_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := argon2id.CreateHash(args[0], argon2id.DefaultParams)
		if err != nil {
			return fmt.Errorf("hash key: %w", err)
		}
		fmt.Fprintln(os.Stdout, hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
