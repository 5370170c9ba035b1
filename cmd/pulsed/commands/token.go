package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/pulsed/auth"
	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/sym"
)

// TokenCmd mints bearer tokens for the admin API.
var TokenCmd = &cobra.Command{
	Use:   "token",
	Short: sym.Pulse + " Mint an admin API token",
	Long: sym.Pulse + ` Mint a bearer token for the admin API.

Tokens are signed with server.jwt_secret (or PULSED_SERVER_JWT_SECRET). The
subject is recorded as created_by on jobs submitted with the token.

Examples:
  pulsed token --new-secret
  pulsed token --subject deploy-bot --ttl 720h
  pulsed token --subject dashboard --read-only`,
	RunE: runToken,
}

func init() {
	TokenCmd.Flags().String("subject", "cli", "Token subject, recorded as created_by")
	TokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	TokenCmd.Flags().Bool("read-only", false, "Allow only GET requests")
	TokenCmd.Flags().Bool("new-secret", false, "Print a fresh random jwt_secret and exit")
}

func runToken(cmd *cobra.Command, args []string) error {
	if newSecret, _ := cmd.Flags().GetBool("new-secret"); newSecret {
		secret, err := auth.GenerateSecret()
		if err != nil {
			return err
		}
		fmt.Println(secret)
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	subject, _ := cmd.Flags().GetString("subject")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	readOnly, _ := cmd.Flags().GetBool("read-only")

	token, err := mintToken(cfg.Server.JWTSecret, subject, ttl, readOnly)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func mintToken(secret, subject string, ttl time.Duration, readOnly bool) (string, error) {
	if secret == "" {
		return "", errors.WithHint(
			errors.NewInvalidRequestError("server.jwt_secret is not configured"),
			"run `pulsed token --new-secret` and set it in the config or PULSED_SERVER_JWT_SECRET")
	}
	tokens, err := auth.NewTokenManager(secret, nil)
	if err != nil {
		return "", err
	}
	return tokens.GenerateToken(subject, ttl, readOnly)
}
