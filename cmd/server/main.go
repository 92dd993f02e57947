package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dennisdiepolder/handoff/internal/aggregator"
	"github.com/dennisdiepolder/handoff/internal/api"
	"github.com/dennisdiepolder/handoff/internal/auth"
	"github.com/dennisdiepolder/handoff/internal/cache"
	"github.com/dennisdiepolder/handoff/internal/config"
	"github.com/dennisdiepolder/handoff/internal/distribution"
	"github.com/dennisdiepolder/handoff/internal/event"
	"github.com/dennisdiepolder/handoff/internal/ingestion"
	"github.com/dennisdiepolder/handoff/internal/metrics"
	"github.com/dennisdiepolder/handoff/internal/notify"
	"github.com/dennisdiepolder/handoff/internal/storage"
	"github.com/dennisdiepolder/handoff/internal/ticker"
	"github.com/dennisdiepolder/handoff/internal/websocket"
	"github.com/dennisdiepolder/handoff/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	storeCfg, err := storage.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load storage configuration")
	}

	log.Info().
		Str("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("log_level", cfg.LogLevel).
		Str("store_mode", string(storeCfg.Mode)).
		Str("distribution_schedule", cfg.DistributionSchedule).
		Msg("starting handoff backend server")

	// Verify tokens from the first request on outside development
	if env := os.Getenv("ENV"); env != "" && env != "development" {
		if jwksURL := auth.ResolveJWKSURL(); jwksURL != "" {
			if err := auth.InitJWKS(jwksURL); err != nil {
				log.Fatal().Err(err).Msg("failed to initialize JWKS")
			}
		}
	}

	// Create context for services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.NewStore(ctx, storeCfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer store.Close()

	// Register metrics before the first request
	metrics.Get()

	// Presence: tracker, processor, agent sockets
	tracker := cache.NewPresenceTracker()
	processor := ingestion.NewPresenceProcessor(tracker, store, cfg.PresenceStaleAfter, log.Logger)
	agentHub := websocket.NewAgentHub(processor, log.Logger)
	go agentHub.Run(ctx)

	sweeper := ticker.NewTicker("presence_sweep", cfg.PresenceSweepInterval, func(ctx context.Context, now time.Time) {
		processor.SweepStale(ctx)
		tracker.RemoveDisconnected(24*time.Hour, now)
	}, log.Logger)
	go sweeper.Start(ctx)

	// Supervisor live feed
	hub := websocket.NewHub(log.Logger)
	go hub.Run(ctx)
	aggregatorService := aggregator.NewAggregator(tracker, hub, cfg.SnapshotInterval, log.Logger)
	go aggregatorService.Start(ctx)

	// Distribution
	notifier := notify.NewNotifier(store, agentHub, log.Logger)
	distributor := distribution.NewDistributor(store, store, store, notifier, log.Logger)
	distributor.SetObserver(hub)

	scheduler, err := distribution.NewScheduler(distributor, cfg.DistributionSchedule, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create distribution scheduler")
	}
	go scheduler.Start(ctx)

	r := newRouter(cfg, routes{
		receiver:     event.NewReceiver(store, scheduler, log.Logger),
		distribute:   distribution.NewDistributionHandler(distributor, log.Logger),
		policies:     api.NewPolicyHandler(store, log.Logger),
		roster:       api.NewRosterHandler(store, log.Logger),
		actions:      api.NewAgentActionsHandler(agentHub, processor, log.Logger),
		history:      api.NewAgentHistoryHandler(store, log.Logger),
		agentSocket:  websocket.NewAgentHandler(agentHub, cfg, log.Logger),
		supervisorWS: websocket.NewHandler(hub, cfg, log.Logger),
		metrics:      metrics.Get().Handler(),
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	// Stop hubs, tickers and the scheduler
	cancel()

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Attempt graceful shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// routes collects the HTTP handlers mounted by newRouter
type routes struct {
	receiver     *event.Receiver
	distribute   *distribution.DistributionHandler
	policies     *api.PolicyHandler
	roster       *api.RosterHandler
	actions      *api.AgentActionsHandler
	history      *api.AgentHistoryHandler
	agentSocket  http.Handler
	supervisorWS http.Handler
	metrics      http.Handler
}

func newRouter(cfg *config.Config, h routes) chi.Router {
	r := chi.NewRouter()

	// Add middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(log.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Register public routes (no auth required)
	r.Get("/health", healthHandler)
	r.Handle("/metrics", h.metrics)

	// Add auth middleware for protected routes
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Get("/ws/agent", h.agentSocket.ServeHTTP)
		r.With(auth.RequireRole(auth.RoleAdmin, auth.RoleSupervisor)).
			Get("/ws/supervisor", h.supervisorWS.ServeHTTP)

		r.Route("/api", func(r chi.Router) {
			// Agent self-service; handlers check the caller acts for the agent
			r.Post("/agents/{agentId}/presence", h.actions.SetPresence)
			r.Post("/agents/{agentId}/logout", h.actions.Logout)
			r.Get("/agents/{agentId}/escalations", h.history.GetEscalations)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdmin, auth.RoleSupervisor))

				r.Post("/escalations", h.receiver.HandleEscalation)
				r.Get("/escalations/stats", h.receiver.GetStats)
				r.Post("/escalations/distribute", h.distribute.HandleDistribute)

				r.Get("/sectors/{sectorId}/policy", h.policies.GetPolicy)
				r.Put("/sectors/{sectorId}/policy", h.policies.PutPolicy)
				r.Get("/sectors/{sectorId}/agents", h.roster.ListAgents)
				r.Put("/sectors/{sectorId}/agents", h.roster.SetAgents)
				r.Delete("/sectors/{sectorId}/agents/{agentId}", h.roster.RemoveAgent)
			})
		})
	})

	return r
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":"handoff-backend"}`)
}
