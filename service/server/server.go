package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"

	"pinga/service/analyzer"
	"pinga/service/config"
	"pinga/service/credentials"
	"pinga/service/database"
	"pinga/service/delivery"
	"pinga/service/devflow"
	"pinga/service/events"
	"pinga/service/integration"
	"pinga/service/relay"
	"pinga/service/routing"
	"pinga/service/subscription"
	"pinga/service/summary"
	"pinga/service/util"
)

// requestTimeout covers analysis, an optional AI summary and fan-out.
const requestTimeout = 30 * time.Second

type Server struct {
	cfg          *config.Config
	version      string
	db           *sqlx.DB
	users        *subscription.Store
	events       *events.Store
	tasks        *relay.Relay
	forwarder    *devflow.Forwarder
	integrations *integration.Integrations
	analyzers    *analyzer.Registry
	resolver     *routing.Resolver
	cron         *cron.Cron
	logger       *slog.Logger
	router       *chi.Mux
	httpServer   *http.Server
	startTime    time.Time
}

func New(cfg *config.Config, version string, logger *slog.Logger) (*Server, error) {
	db, err := database.Open(cfg.StoragePath)
	if err != nil {
		return nil, err
	}

	s, err := build(cfg, version, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func build(cfg *config.Config, version string, db *sqlx.DB, logger *slog.Logger) (*Server, error) {
	sealer, err := credentials.NewSealer(cfg.CredentialEncryptionKey)
	if err != nil {
		return nil, util.LogError(logger, "Failed to create credential sealer", err)
	}
	if sealer == nil {
		logger.Warn("CREDENTIAL_ENCRYPTION_KEY not set, channel secrets are stored in plaintext")
	}

	users, err := subscription.NewStore(db, sealer)
	if err != nil {
		return nil, util.LogError(logger, "Failed to create subscription store", err)
	}

	eventStore, err := events.NewStore(db, cfg.EventRetention)
	if err != nil {
		return nil, util.LogError(logger, "Failed to create event store", err)
	}

	var taskStore relay.Store
	switch cfg.TaskStore {
	case "sqlite":
		taskStore, err = relay.NewSQLStore(db, sealer, cfg.TaskMappingTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to create task store: %w", err)
		}
	default:
		taskStore = relay.NewMemoryStore(cfg.TaskMappingTTL, relay.DefaultMaxEntries)
	}

	httpClient := delivery.NewHTTPClient(cfg.DeliveryTimeout)
	tasks := relay.New(taskStore, logger)
	forwarder := devflow.NewForwarder(cfg.AgentHostURL, httpClient, tasks, logger)
	intake := devflow.NewIntake(forwarder, logger)

	var summarizer summary.Summarizer
	if cfg.IsSummaryEnabled() {
		ai, err := summary.NewOpenAI(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel, httpClient)
		if err != nil {
			return nil, fmt.Errorf("failed to create summarizer: %w", err)
		}
		summarizer = ai
	}

	s := &Server{
		cfg:          cfg,
		version:      version,
		db:           db,
		users:        users,
		events:       eventStore,
		tasks:        tasks,
		forwarder:    forwarder,
		integrations: integration.Initialize(cfg, users, tasks, intake, httpClient, logger),
		analyzers:    analyzer.Default(),
		resolver: routing.NewResolver(users, routing.Fallback{
			ChatID:   cfg.TelegramChatID,
			BotToken: cfg.TelegramBotToken,
		}, summarizer, logger),
		cron:      cron.New(),
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(s.logger))
	r.Use(securityHeadersMiddleware())
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(middleware.StripSlashes)
	r.Use(rateLimitMiddleware(s.cfg.RateLimit))

	auth := authMiddleware(s.cfg.APIKey)

	r.Get("/health", s.handleHealth)
	r.Get("/api/payloads/{id}", s.handleGetPayload)

	s.integrations.RegisterAll(r, auth)

	r.Post("/api/webhook/{source}", s.handleWebhook)

	r.Route("/api/copilot", func(r chi.Router) {
		r.Use(agentSecretMiddleware(s.cfg.DevflowAPISecret))
		r.Post("/command", s.handleCopilotCommand)
		r.Post("/task-update", s.handleTaskUpdate)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(auth)
		r.Get("/users", s.handleListUsers)
		r.Post("/users", s.handleCreateUser)
		r.Get("/users/{id}", s.handleGetUser)
		r.Delete("/users/{id}", s.handleDeleteUser)
		r.Put("/users/{id}/preferences", s.handleUpdatePreferences)
		r.Get("/users/{id}/channels", s.handleListChannels)
		r.Post("/users/{id}/channels", s.handleCreateChannel)
		r.Put("/channels/{channelId}", s.handleUpdateChannel)
		r.Delete("/channels/{channelId}", s.handleDeleteChannel)
		r.Post("/channels/{channelId}/test", s.handleTestChannel)
		r.Get("/installations", s.handleListInstallations)
		r.Post("/installations/{installationId}/claim", s.handleClaimInstallation)
		r.Get("/events/{id}", s.handleGetEvent)
		r.Get("/stats", s.handleGetStats)
	})

	s.router = r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(ctx context.Context) error {
	s.integrations.Start(ctx, s.logger)

	if err := s.scheduleJobs(); err != nil {
		return err
	}
	s.cron.Start()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: requestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info(fmt.Sprintf("Pinga running on:\n  Local: http://localhost:%d\n  Public: %s", s.cfg.Port, s.cfg.PublicURL))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		<-s.cron.Stop().Done()
		return err
	}
}

func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown http server: %w", err)
		}
	}

	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}
