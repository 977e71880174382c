package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/turnstile/internal/auth"
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (defaults to auth.token_ttl)")
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint a signed client token for user-id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if cfg.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is not set")
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if ttl <= 0 {
			ttl = cfg.Auth.TokenTTL.D()
		}
		token, err := auth.NewJWTIdentifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.AllowAnonymous).Generate(args[0], ttl)
		if err != nil {
			return fmt.Errorf("generate token: %w", err)
		}
		fmt.Fprintln(os.Stdout, token)
		return nil
	},
}
