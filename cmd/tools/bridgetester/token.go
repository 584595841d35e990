package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	authmodel "github.com/zhouzirui/voicebridge/backend/internal/model/auth"
	"github.com/zhouzirui/voicebridge/backend/internal/service/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Log in and open a conversation token",
	Long: `Log in to the credential service and open a conversation token
bound to --thread. Prints both expiries.

Example:
  bridgetester token --thread demo-thread`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.Auth.Enabled() {
			return errors.New("credential service not configured, set AUTH_BASE_URL, AUTH_EMAIL and AUTH_PASSWORD")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		creds := auth.NewHTTPCredentialService(cfg.Auth.BaseURL, cfg.Auth.Register, cfg.Auth.DisplayName, nil)
		manager := auth.NewManager(creds, auth.Options{
			Email:         cfg.Auth.Email,
			Password:      cfg.Auth.Password,
			ThreadID:      threadID,
			RefreshMargin: cfg.Auth.RefreshMargin,
			MaxAttempts:   cfg.Auth.MaxAttempts,
			BackoffBase:   cfg.Auth.BackoffBase,
		})

		conversation, err := manager.Acquire(ctx, authmodel.Conversation)
		if err != nil {
			return err
		}
		identity, _ := manager.Current(authmodel.Identity)

		now := time.Now()
		printToken(identity, now)
		printToken(conversation, now)
		return nil
	},
}

func printToken(tok authmodel.Token, now time.Time) {
	printField(string(tok.Kind)+" expires", tok.ExpiresAt.Format(time.RFC3339))
	printField(string(tok.Kind)+" remaining", tok.Remaining(now).Round(time.Second))
	if tok.ThreadID != "" {
		printField(string(tok.Kind)+" thread", tok.ThreadID)
	}
}
