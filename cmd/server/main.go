package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fininsight/agent-backend/internal/api"
	"github.com/fininsight/agent-backend/internal/auth"
	"github.com/fininsight/agent-backend/internal/config"
	"github.com/fininsight/agent-backend/internal/core"
	"github.com/fininsight/agent-backend/internal/embedding"
	"github.com/fininsight/agent-backend/internal/extract"
	"github.com/fininsight/agent-backend/internal/llm"
	"github.com/fininsight/agent-backend/internal/logger"
	"github.com/fininsight/agent-backend/internal/session"
	"github.com/fininsight/agent-backend/internal/store"
	"github.com/fininsight/agent-backend/internal/vectorstore"
)

func main() {
	cfg, err := config.Load("providers.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to initialize database", "error", err)
	}
	defer dbStore.Close()

	embedder, closeEmbedder, err := newEmbedder(cfg)
	if err != nil {
		log.Fatal("failed to initialize embeddings client", "provider", cfg.EmbeddingProvider, "error", err)
	}
	defer closeEmbedder()

	vectors := vectorstore.New(dbStore, embedder, log)

	sessions := session.NewStore(dbStore, log,
		session.WithTTL(time.Duration(cfg.SessionTTLSeconds)*time.Second))

	providers := llm.NewRegistry(cfg.Providers, log)
	if len(providers) == 0 {
		log.Fatal("no upstream providers configured; set at least one provider API key")
	}

	chatService := core.NewChatService(sessions, dbStore, vectors, providers, extract.PlainText{}, log)

	jwtManager := auth.NewJWTManager(cfg.JWTSecret)
	authenticator := auth.NewGoogleAuthenticator(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)

	apiHandler := api.NewAPIHandler(chatService, dbStore, vectors, authenticator, jwtManager, cfg.FrontendURL, log)
	router := api.NewRouter(apiHandler)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming responses have no fixed deadline
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", "error", err)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}
	log.Info("server exited")
}

// newEmbedder picks the embeddings backend from configuration. The returned
// close func releases any underlying client connection.
func newEmbedder(cfg *config.Config) (embedding.Provider, func(), error) {
	switch cfg.EmbeddingProvider {
	case config.ProviderGemini:
		client, err := embedding.NewGeminiClient(context.Background(), cfg.GeminiAPIKey, cfg.EmbeddingModel)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { client.Close() }, nil
	case config.ProviderOpenAI:
		openaiCfg := cfg.Providers[config.ProviderOpenAI]
		client, err := embedding.NewOpenAIClient(embedding.OpenAIConfig{
			APIKey: openaiCfg.APIKey,
			Model:  cfg.EmbeddingModel,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}
