package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/voicebridge/backend/internal/config"
	agentmodel "github.com/zhouzirui/voicebridge/backend/internal/model/agent"
	authmodel "github.com/zhouzirui/voicebridge/backend/internal/model/auth"
	"github.com/zhouzirui/voicebridge/backend/internal/model/profile"
	"github.com/zhouzirui/voicebridge/backend/internal/service/agent"
	"github.com/zhouzirui/voicebridge/backend/internal/service/auth"
	"github.com/zhouzirui/voicebridge/backend/internal/service/responder"
	"github.com/zhouzirui/voicebridge/backend/internal/service/thread"
)

var askProfile string

var askCmd = &cobra.Command{
	Use:   "ask [utterance]",
	Short: "Stream one utterance through the responder",
	Long: `Send an utterance to the configured agent runtime and print the
speakable segments and side-events as they arrive.

Example:
  bridgetester ask "what's the weather like" --thread demo-thread`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		threads := thread.NewManager(thread.NewMemoryStore())
		binding, err := threads.Bind(ctx, threadID)
		if err != nil {
			return err
		}

		runtime, err := buildRuntime(ctx, cfg, threads, binding.ThreadID)
		if err != nil {
			return err
		}

		r := responder.New(runtime, responder.Options{
			MaxSegmentRunes: cfg.Responder.MaxSegmentRunes,
			IdleFlush:       cfg.Responder.IdleFlush,
			Retries:         responder.RetryCount(cfg.Responder.Retries),
			Apology:         cfg.Responder.Apology,
			Unavailable:     cfg.Responder.Unavailable,
			Clarification:   cfg.Responder.Clarification,
		})

		fmt.Println(titleStyle.Render("ask") + " " + dimStyle.Render("thread "+binding.ThreadID))

		resp := r.Respond(ctx, agentmodel.Request{
			Utterance: strings.Join(args, " "),
			ThreadID:  binding.ThreadID,
			TurnID:    1,
			ProfileID: askProfile,
		})

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range resp.Events() {
				fmt.Println(dimStyle.Render(fmt.Sprintf("  [%s] %s %s", ev.Type, ev.Name, string(ev.Payload))))
			}
		}()
		for seg := range resp.Segments() {
			fmt.Printf("%s %s\n", labelStyle.Render(fmt.Sprintf("#%d %s", seg.Seq, seg.Boundary)), seg.Text)
		}
		wg.Wait()

		result := resp.Wait()
		printField("segments", result.Segments)
		if result.Fallback {
			printField("fallback", true)
		}
		if result.Err != nil {
			printField("error", result.Err)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().StringVar(&askProfile, "profile", profile.DefaultID, "agent profile id")
}

// buildRuntime mirrors the server's runtime selection for a single call.
func buildRuntime(ctx context.Context, cfg *config.Config, threads *thread.Manager, boundThread string) (agent.Runtime, error) {
	if cfg.Agent.Mode == "eino" {
		chatModel, err := cfg.AI.NewChatModel(ctx)
		if err != nil {
			return nil, err
		}
		return agent.NewEinoRuntime(ctx, chatModel, profile.NewMemoryStore(profile.Seed()), threads, cfg.AI.HistoryLimit)
	}

	if cfg.Agent.BaseURL == "" {
		return nil, errors.New("AGENT_BASE_URL is required when AGENT_MODE=http")
	}

	var tokens agent.TokenSource = agent.StaticToken("")
	if cfg.Auth.Enabled() {
		creds := auth.NewHTTPCredentialService(cfg.Auth.BaseURL, cfg.Auth.Register, cfg.Auth.DisplayName, nil)
		manager := auth.NewManager(creds, auth.Options{
			Email:       cfg.Auth.Email,
			Password:    cfg.Auth.Password,
			ThreadID:    boundThread,
			MaxAttempts: cfg.Auth.MaxAttempts,
			BackoffBase: cfg.Auth.BackoffBase,
		})
		tokens = manager.Source(authmodel.Conversation)
	}
	return agent.NewHTTPRuntime(cfg.Agent.BaseURL, cfg.Agent.StreamPath, tokens, nil), nil
}
