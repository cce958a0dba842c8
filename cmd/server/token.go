package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quillpost/api/internal/auth"
	"github.com/quillpost/api/internal/config"
)

func newTokenCmd() *cobra.Command {
	var email string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Print an HMAC-signed development token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if ttl == 0 {
				ttl = time.Duration(cfg.JWT.Expiration) * time.Hour
			}

			token, err := auth.IssueLegacyToken(args[0], email, cfg.JWT.Secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default JWT_EXPIRATION hours)")
	return cmd
}
