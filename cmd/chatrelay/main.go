package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/antoniostano/chatrelay/internal/completion"
	"github.com/antoniostano/chatrelay/internal/config"
	"github.com/antoniostano/chatrelay/internal/convstore"
	"github.com/antoniostano/chatrelay/internal/httpapi"
	"github.com/antoniostano/chatrelay/internal/mirror"
	"github.com/antoniostano/chatrelay/internal/observability"
	"github.com/antoniostano/chatrelay/internal/relay"
	"github.com/antoniostano/chatrelay/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	ctx := context.Background()

	// The conversation mirror is optional: without a database the service
	// runs on local state only, matching the reference behavior.
	var remote *convstore.PostgresStore
	if cfg.DatabaseURL != "" {
		remote, err = convstore.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Printf("conversation store unavailable, using local storage only: %v", err)
			remote = nil
		} else {
			defer remote.Close()
			log.Printf("conversation store connected")
		}
	} else {
		log.Printf("DATABASE_URL not set, using local storage only")
	}

	provider := selectProvider(cfg)
	log.Printf("completion provider: %s", provider.Name())

	sessions := session.NewStore(cfg.SessionWindow, cfg.SessionMaxAge)

	var (
		persister relay.Persister
		remoteAPI httpapi.RemoteStore
	)
	if remote != nil {
		persister = mirror.New(remote, sessions)
		remoteAPI = remote
	}

	svc := relay.New(sessions, provider, persister, metrics, cfg.TurnTimeout)
	api := httpapi.New(cfg, sessions, svc, remoteAPI, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, cfg.SweepInterval, func(removed int) {
		if removed > 0 {
			log.Printf("swept %d expired sessions", removed)
			metrics.SessionEvents.WithLabelValues("expired").Add(float64(removed))
		}
		metrics.ActiveSessions.Set(float64(sessions.Stats().ActiveSessions))
	})

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

func selectProvider(cfg config.Config) completion.Provider {
	mode := strings.ToLower(strings.TrimSpace(cfg.CompletionProvider))
	openaiCfg := completion.OpenAIConfig{
		APIKey:       cfg.OpenAIAPIKey,
		BaseURL:      cfg.OpenAIBaseURL,
		Model:        cfg.OpenAIModel,
		MaxTokens:    cfg.OpenAIMaxTokens,
		Temperature:  cfg.OpenAITemperature,
		SystemPrompt: cfg.SystemPrompt,
	}

	switch mode {
	case "openai":
		p, err := completion.NewOpenAIProvider(openaiCfg)
		if err != nil {
			log.Fatalf("COMPLETION_PROVIDER=openai but provider init failed: %v", err)
		}
		return p
	case "mock":
		return completion.NewMockProvider()
	default: // auto
		if cfg.OpenAIAPIKey != "" {
			p, err := completion.NewOpenAIProvider(openaiCfg)
			if err == nil {
				return p
			}
			log.Printf("openai provider unavailable: %v", err)
		}
		log.Printf("no OPENAI_API_KEY set, falling back to mock provider")
		return completion.NewMockProvider()
	}
}
