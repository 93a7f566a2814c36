package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"segmentation-gateway/internal/auth"
	"segmentation-gateway/internal/config"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject string
		scope   string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token for API clients",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is not configured")
			}
			authn, err := auth.New(auth.Config{JWTSecret: cfg.JWTSecret, TokenTTL: ttl})
			if err != nil {
				return err
			}
			token, err := authn.GenerateToken(subject, scope)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "client identity carried in the token (required)")
	cmd.Flags().StringVar(&scope, "scope", "", "optional scope claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
