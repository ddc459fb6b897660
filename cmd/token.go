package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/teemow/draftsender/internal/config"
	"github.com/teemow/draftsender/internal/google"
	"github.com/teemow/draftsender/internal/logging"
)

func newTokenCmd() *cobra.Command {
	var subject, scopes string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Check domain-wide delegation by exchanging a token",
		Long: `Run the delegated token exchange for a Workspace user and print what came
back. The access token itself is never printed.

Use it to verify that the service account may sign JWTs and that the
Workspace admin granted the delegated scopes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if subject == "" {
				subject = cfg.DelegatedUser
			}
			if subject == "" {
				return errors.New("no subject: pass --subject or set GMAIL_USER")
			}

			logger := newLogger(cfg)
			exchanger := newExchanger(cfg, nil, logger)

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			requested := config.ParseList(scopes)
			if len(requested) == 0 {
				requested = cfg.GmailScopes
			}
			tok, err := exchanger.Exchange(ctx, subject, requested...)
			if err != nil {
				return err
			}
			if len(requested) == 0 {
				requested = google.DefaultDelegatedScopes
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "service account: %s\n", exchanger.ServiceAccount())
			fmt.Fprintf(w, "subject:         %s\n", subject)
			fmt.Fprintf(w, "scopes:          %s\n", strings.Join(requested, " "))
			fmt.Fprintf(w, "token type:      %s\n", tok.Type())
			fmt.Fprintf(w, "access token:    %s\n", logging.SanitizeToken(tok.AccessToken))
			if !tok.Expiry.IsZero() {
				fmt.Fprintf(w, "expires in:      %s\n", time.Until(tok.Expiry).Round(time.Second))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Workspace user to act as (default: the delegated user)")
	cmd.Flags().StringVar(&scopes, "scopes", "", "Comma-separated OAuth scopes (default: GMAIL_SCOPES or the Gmail scopes the service uses)")
	return cmd
}
