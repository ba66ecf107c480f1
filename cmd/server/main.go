package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/api"
	"github.com/aokitashipro/pre-next-dify/internal/api/handler"
	"github.com/aokitashipro/pre-next-dify/internal/billing"
	"github.com/aokitashipro/pre-next-dify/internal/chatstate"
	"github.com/aokitashipro/pre-next-dify/internal/config"
	"github.com/aokitashipro/pre-next-dify/internal/domain"
	"github.com/aokitashipro/pre-next-dify/internal/llm"
	"github.com/aokitashipro/pre-next-dify/internal/llm/dify"
	"github.com/aokitashipro/pre-next-dify/internal/llm/gemini"
	"github.com/aokitashipro/pre-next-dify/internal/llm/ollama"
	"github.com/aokitashipro/pre-next-dify/internal/llm/openai"
	"github.com/aokitashipro/pre-next-dify/internal/logging"
	mongostore "github.com/aokitashipro/pre-next-dify/internal/repository/mongo"
	"github.com/aokitashipro/pre-next-dify/internal/repository/postgres"
	"github.com/aokitashipro/pre-next-dify/internal/repository/redis"
	"github.com/aokitashipro/pre-next-dify/internal/repository/sqlstore"
	"github.com/aokitashipro/pre-next-dify/internal/security"
	"github.com/aokitashipro/pre-next-dify/internal/service"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file - try multiple locations
	for _, p := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logCloser, err := logging.Setup(cfg.Logging, cfg.IsProduction())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	log.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("env", cfg.Env).
		Msg("Starting chat API server")

	ctx := context.Background()
	probes := map[string]handler.Pinger{}

	// Postgres is optional: without it chat still works but nothing is stored or counted
	var (
		conversations domain.ConversationRepository
		messages      domain.MessageRepository
		usageRepo     domain.UsageRepository
		subsRepo      domain.SubscriptionRepository
	)
	if cfg.Database.Host != "" {
		if cfg.Database.AutoMigrate {
			if err := postgres.RunMigrations(cfg.Database.DSN()); err != nil {
				log.Fatal().Err(err).Msg("Failed to run migrations")
			}
		}
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		probes["postgres"] = db

		conversations = postgres.NewConversationRepository(db.Pool)
		messages = postgres.NewMessageRepository(db.Pool)
		usageRepo = postgres.NewUsageRepository(db.Pool)
		subsRepo = postgres.NewSubscriptionRepository(db.Pool)
	} else {
		log.Warn().Msg("database host is empty, conversations will not be stored")
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()
	probes["redis"] = redisClient

	persister, closePersister, err := openPersister(ctx, cfg.Persistence, redisClient, probes)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Persistence.Backend).Msg("Failed to open chat state store")
	}
	defer closePersister()

	slices, err := chatstate.ParseSlices(cfg.Persistence.Slices)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid persistence slices")
	}

	llmRouter := newLLMRouter(cfg.LLM)

	var usageService *service.UsageService
	var usageRecorder service.UsageRecorder
	if usageRepo != nil {
		usageService = service.NewUsageService(usageRepo, subsRepo, cfg.Usage)
		usageRecorder = usageService
	}

	chatService := service.NewChatService(
		llmRouter,
		cfg.LLM.DefaultProvider,
		conversations,
		messages,
		usageRecorder,
		cfg.Chat.HistoryLimit,
		cfg.Chat.ListLimit,
	)

	pipelineOpts := []service.PipelineOption{
		service.WithUploader(chatService),
		service.WithFileLimits(chatstate.FileLimits{
			MaxFiles:    cfg.Upload.MaxFiles,
			MaxFileSize: int64(cfg.Upload.MaxFileSizeMB) << 20,
		}),
	}
	if cfg.Chat.Streaming {
		pipelineOpts = append(pipelineOpts, service.WithStreaming(chatService))
	}
	if usageService != nil {
		pipelineOpts = append(pipelineOpts, service.WithUsageGate(usageService))
	}

	hub := chatstate.NewHub(persister, slices)
	workspaceService := service.NewWorkspaceService(hub, chatService, chatService, chatService, pipelineOpts...)
	defer workspaceService.Close()

	billingService := service.NewBillingService(billing.NewClient(cfg.Billing), subsRepo)

	router := api.NewRouter(cfg, api.Deps{
		Tokens:    security.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.AccessTokenTTL),
		Limiter:   redis.NewRateLimiter(redisClient, cfg.Security.RateLimit.RequestsPerMinute, cfg.Security.RateLimit.Burst),
		Chat:      chatService,
		Workspace: workspaceService,
		Usage:     usageService,
		Billing:   billingService,
		Probes:    probes,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

func newLLMRouter(cfg config.LLMConfig) *llm.Router {
	router := llm.NewRouter(cfg.DefaultProvider)
	log.Info().Msgf("Initializing chat providers. Default: %s", cfg.DefaultProvider)

	if cfg.Dify.APIKey != "" {
		router.RegisterProvider(dify.NewProvider(cfg.Dify))
	} else {
		log.Warn().Msg("Dify API key is empty, skipping registration")
	}
	if cfg.Gemini.APIKey != "" {
		router.RegisterProvider(gemini.NewProvider(cfg.Gemini))
	}
	if cfg.OpenAI.APIKey != "" {
		router.RegisterProvider(openai.NewProvider(cfg.OpenAI))
	}
	if cfg.Ollama.Host != "" {
		router.RegisterProvider(ollama.NewProvider(cfg.Ollama))
	}
	return router
}

// openPersister selects the backend that mirrors per-user chat state
func openPersister(ctx context.Context, cfg config.PersistenceConfig, rc *redis.Client, probes map[string]handler.Pinger) (chatstate.Persister, func(), error) {
	noop := func() {}

	switch cfg.Backend {
	case "", "none":
		return nil, noop, nil

	case "redis":
		return redis.NewSnapshotStore(rc, cfg.TTL), noop, nil

	case "sqlite", "mysql":
		var (
			store *sqlstore.Store
			err   error
		)
		if cfg.Backend == "sqlite" {
			store, err = sqlstore.OpenSQLite(ctx, cfg.SQLitePath)
		} else {
			store, err = sqlstore.OpenMySQL(ctx, cfg.MySQLDSN)
		}
		if err != nil {
			return nil, noop, err
		}
		probes[cfg.Backend] = store
		return store, closeWith(store), nil

	case "mongo":
		store, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, noop, err
		}
		probes["mongo"] = store
		return store, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.Close(closeCtx); err != nil {
				log.Warn().Err(err).Msg("failed to close mongo")
			}
		}, nil

	default:
		return nil, noop, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}

func closeWith(c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close chat state store")
		}
	}
}
