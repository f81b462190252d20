package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/luciancaetano/kephasrelay/internal/identity"
	"github.com/luciancaetano/kephasrelay/ws"
)

func newTokenCmd(cfgFile *string) *cobra.Command {
	var (
		subject string
		device  string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 development credential",
		Long: `Mint a credential signed with the configured auth.secret, carrying the
configured issuer and audience. Only HS256 deployments can mint locally.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ws.LoadConfig(*cfgFile)
			if err != nil {
				return err
			}
			if cfg.Auth.Algorithm != "HS256" {
				return fmt.Errorf("token: cannot mint for %s, only HS256", cfg.Auth.Algorithm)
			}
			if subject == "" {
				return errors.New("token: --subject is required")
			}

			now := time.Now()
			tok, err := identity.MintHS256(cfg.Auth.Secret, identity.Claims{
				RegisteredClaims: jwt.RegisteredClaims{
					Subject:   subject,
					ID:        uuid.NewString(),
					Issuer:    cfg.Auth.Issuer,
					Audience:  jwt.ClaimStrings{cfg.Auth.Audience},
					IssuedAt:  jwt.NewNumericDate(now),
					ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
				},
				Device: device,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "identity the credential is issued to")
	cmd.Flags().StringVar(&device, "device", identity.DefaultDevice, "device id claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "credential lifetime")
	return cmd
}
