package cli

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/chainbot/internal/crypto"
)

// NewEncryptTokenCommand creates the encrypt-token command. The output file
// is what gateway.encrypted_token_path expects.
func NewEncryptTokenCommand() *cobra.Command {
	var token, password, out string

	cmd := &cobra.Command{
		Use:   "encrypt-token",
		Short: "Encrypt a gateway token with a password",
		Long: `Encrypt a gateway token with PBKDF2 and AES-256-GCM.

The token is read from --token or stdin, the password from --password or
CHAINBOT_TOKEN_PASSWORD.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				token = strings.TrimSpace(string(raw))
			}
			if token == "" {
				return errors.New("encrypt-token: empty token")
			}
			if password == "" {
				password = os.Getenv("CHAINBOT_TOKEN_PASSWORD")
			}
			if password == "" {
				return errors.New("encrypt-token: --password or CHAINBOT_TOKEN_PASSWORD is required")
			}

			data, err := crypto.EncryptToken(token, password)
			if err != nil {
				return err
			}
			if out == "" {
				printf(cmd, "%s\n", data)
				return nil
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return err
			}
			printf(cmd, "wrote %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "token to encrypt (default: read stdin)")
	cmd.Flags().StringVar(&password, "password", "", "encryption password")
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default: stdout)")
	return cmd
}
