package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/voicebridge/backend/internal/config"
	"github.com/zhouzirui/voicebridge/backend/internal/handler"
	"github.com/zhouzirui/voicebridge/backend/internal/model/profile"
	speechmodel "github.com/zhouzirui/voicebridge/backend/internal/model/speech"
	"github.com/zhouzirui/voicebridge/backend/internal/service/agent"
	"github.com/zhouzirui/voicebridge/backend/internal/service/auth"
	"github.com/zhouzirui/voicebridge/backend/internal/service/bridge"
	"github.com/zhouzirui/voicebridge/backend/internal/service/responder"
	"github.com/zhouzirui/voicebridge/backend/internal/service/speech"
	"github.com/zhouzirui/voicebridge/backend/internal/service/thread"
	"github.com/zhouzirui/voicebridge/backend/internal/service/turn"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	profiles := profile.NewMemoryStore(profile.Seed())

	store, err := openThreadStore(cfg.Store)
	if err != nil {
		log.Fatalf("failed to open thread store: %v", err)
	}
	defer store.Close()
	threads := thread.NewManager(store)

	// Ark chat model is shared by the in-process agent and the turn classifier
	var chatModel model.ChatModel
	if cfg.AI.Enabled() {
		chatModel, err = cfg.AI.NewChatModel(ctx)
		if err != nil {
			log.Printf("warning: failed to initialize chat model: %v", err)
			chatModel = nil
		} else {
			log.Println("Ark chat model initialized successfully")
		}
	} else {
		log.Println("Ark 凭证未配置，跳过模型初始化")
	}

	runtime, err := newRuntimeFactory(ctx, cfg, chatModel, profiles, threads)
	if err != nil {
		log.Fatalf("failed to initialize agent runtime: %v", err)
	}

	speechService := speech.NewService(cfg.Speech.Model(), cfg.Speech.FrameQueue)
	if cfg.Speech.Enabled {
		log.Println("Speech service initialized successfully")
	} else {
		log.Println("语音服务凭证未配置，识别与合成请求将失败")
	}

	deps := bridge.Deps{
		Threads:    threads,
		Profiles:   profiles,
		Runtime:    runtime,
		Recognizer: speechService.Recognizer(),
		Streamer:   speechService.Streamer(),
		Recognize: speechmodel.RecognizeRequest{
			Format:     "pcm",
			Language:   cfg.Speech.ASRLanguage,
			SampleRate: cfg.Speech.ASRSampleRate,
		},
		Synthesis: speech.SynthesizerOptions{
			Voice:      cfg.Speech.TTSVoice,
			Format:     cfg.Speech.TTSFormat,
			Language:   cfg.Speech.TTSLanguage,
			FrameQueue: cfg.Speech.FrameQueue,
		},
		Classifier: newClassifier(ctx, cfg.Turn, chatModel),
		Turn: turn.Options{
			MaxSilence:       cfg.Turn.MaxSilence,
			MinEndpointDelay: cfg.Turn.MinEndpointDelay,
			Confidence:       float32(cfg.Turn.ClassifierConfidence),
			FinalizeTimeout:  cfg.Turn.FinalizeTimeout,
			ThinkingTimeout:  cfg.Turn.ThinkingTimeout,
		},
		Responder: responder.Options{
			MaxSegmentRunes: cfg.Responder.MaxSegmentRunes,
			IdleFlush:       cfg.Responder.IdleFlush,
			Retries:         responder.RetryCount(cfg.Responder.Retries),
			SegmentQueue:    cfg.Responder.SegmentQueue,
			EventQueue:      cfg.Responder.EventQueue,
			Apology:         cfg.Responder.Apology,
			Unavailable:     cfg.Responder.Unavailable,
			Clarification:   cfg.Responder.Clarification,
		},
		Greeting: cfg.Responder.Greeting,
	}

	if cfg.Auth.Enabled() {
		deps.Credentials = auth.NewHTTPCredentialService(cfg.Auth.BaseURL, cfg.Auth.Register, cfg.Auth.DisplayName, nil)
		deps.Auth = auth.Options{
			Email:         cfg.Auth.Email,
			Password:      cfg.Auth.Password,
			RefreshMargin: cfg.Auth.RefreshMargin,
			MaxAttempts:   cfg.Auth.MaxAttempts,
			BackoffBase:   cfg.Auth.BackoffBase,
			CheckInterval: cfg.Auth.CheckInterval,
		}
		log.Printf("Credential service configured at %s", cfg.Auth.BaseURL)
	} else {
		log.Println("credential service not configured, agent calls carry no token")
	}

	router := handler.NewRouter(cfg.Server.AllowedOrigins, deps, bridge.NewRegistry())

	startServer(ctx, cfg.Server, router)
}

func openThreadStore(cfg config.StoreConfig) (thread.Store, error) {
	if cfg.InMemory {
		log.Println("thread store: in-memory")
		return thread.NewMemoryStore(), nil
	}
	log.Printf("thread store: badger at %s", cfg.Dir)
	store, err := thread.OpenBadger(cfg.Dir)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func newRuntimeFactory(ctx context.Context, cfg *config.Config, chatModel model.ChatModel, profiles profile.Store, threads *thread.Manager) (bridge.RuntimeFactory, error) {
	if cfg.Agent.Mode == "eino" {
		if chatModel == nil {
			return nil, errors.New("AGENT_MODE=eino requires Ark model configuration")
		}
		rt, err := agent.NewEinoRuntime(ctx, chatModel, profiles, threads, cfg.AI.HistoryLimit)
		if err != nil {
			return nil, err
		}
		log.Println("agent runtime: in-process eino chain")
		return func(agent.TokenSource) agent.Runtime { return rt }, nil
	}

	if cfg.Agent.BaseURL == "" {
		return nil, errors.New("AGENT_BASE_URL is required when AGENT_MODE=http")
	}
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: cfg.Agent.Timeout,
			IdleConnTimeout:       90 * time.Second,
		},
	}
	log.Printf("agent runtime: %s%s", cfg.Agent.BaseURL, cfg.Agent.StreamPath)
	return func(tokens agent.TokenSource) agent.Runtime {
		return agent.NewHTTPRuntime(cfg.Agent.BaseURL, cfg.Agent.StreamPath, tokens, client)
	}, nil
}

func newClassifier(ctx context.Context, cfg config.TurnConfig, chatModel model.ChatModel) turn.Classifier {
	if !cfg.ClassifierLLM {
		return turn.HeuristicClassifier{}
	}
	if chatModel == nil {
		log.Println("turn classifier requested but chat model unavailable, falling back to heuristics")
		return turn.HeuristicClassifier{}
	}
	classifier, err := turn.NewLLMClassifier(ctx, chatModel)
	if err != nil {
		log.Printf("warning: failed to initialize turn classifier: %v", err)
		return turn.HeuristicClassifier{}
	}
	log.Println("LLM turn classifier enabled")
	return classifier
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("voice bridge listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
