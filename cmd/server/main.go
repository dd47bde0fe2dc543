// Package main wires every core component into a running server: config,
// storage, the event bus, identity, authorization, presence, message
// routing, AI streaming, call signaling, and the WebSocket front door.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qzbxw/realtimecore/internal/aistream"
	"github.com/qzbxw/realtimecore/internal/authz"
	"github.com/qzbxw/realtimecore/internal/bus"
	"github.com/qzbxw/realtimecore/internal/call"
	"github.com/qzbxw/realtimecore/internal/config"
	"github.com/qzbxw/realtimecore/internal/handlers"
	"github.com/qzbxw/realtimecore/internal/identity"
	"github.com/qzbxw/realtimecore/internal/middleware"
	"github.com/qzbxw/realtimecore/internal/notify"
	"github.com/qzbxw/realtimecore/internal/presence"
	"github.com/qzbxw/realtimecore/internal/ratelimit"
	"github.com/qzbxw/realtimecore/internal/realtime"
	"github.com/qzbxw/realtimecore/internal/router"
	"github.com/qzbxw/realtimecore/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("critical error loading configuration: %v", err)
	}

	// --- Storage & bus ---
	s, err := store.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("critical error! failed to connect to the database: %v", err)
	}
	defer s.Close()
	if err := s.Migrate(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		log.Fatalf("critical error during database migration: %v", err)
	}

	var b bus.Bus
	if cfg.RedisURL != "" {
		redisBus, err := bus.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("critical error! failed to connect to redis: %v", err)
		}
		b = redisBus
		log.Println("using redis bus for multi-node fan-out")
	} else {
		b = bus.NewLocal()
		log.Println("using local in-process bus (single node)")
	}

	// --- Identity, authz, connection registry ---
	verifier, err := identity.NewJWTVerifier(cfg.JWTSecret, cfg.TokenIssuer)
	if err != nil {
		log.Fatalf("critical error: failed to create identity verifier: %v", err)
	}
	gate := authz.NewGate(s)
	registry := realtime.NewRegistry(b)

	// --- Presence ---
	presenceTracker := presence.NewTracker(b, s, cfg.TypingExpiry, cfg.PresenceGrace, time.Second)
	presenceTracker.Start()
	defer presenceTracker.Stop()

	// --- Notification fan-out ---
	fanout := notify.New(b, s, registry)

	// --- AI streaming ---
	var provider aistream.Provider
	switch cfg.AIProvider {
	case "echo":
		provider = aistream.EchoProvider{}
		log.Println("using echo AI provider (test double)")
	default:
		provider = aistream.NewOpenAIProvider(cfg.OpenAIKey, cfg.OpenAIModel)
	}
	orchestrator := aistream.New(provider, s, b, fanout, cfg.AIStreamWallClockCap, cfg.AIProviderReadIdle)

	// --- Call signaling ---
	calls := call.New(s, registry, fanout, cfg.RingTimeout, cfg.CallReconnectGrace)

	// --- Message routing ---
	actors := router.NewManager(16, cfg.ActorIdleTimeout)
	actors.StartGC()
	defer actors.Stop()
	dispatcher := router.New(gate, s, registry, fanout, orchestrator, actors)

	// --- Rate limiting ---
	userRL := ratelimit.New(cfg.UserEventRatePerSec)
	convRL := ratelimit.New(cfg.ConversationEventRatePerSec)

	wsHandler := handlers.New(verifier, registry, gate, presenceTracker, dispatcher, orchestrator, calls, userRL, convRL, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger, chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		handlers.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", wsHandler.ServeWS)

	srv := &http.Server{Addr: cfg.Port, Handler: r}

	go func() {
		log.Printf("server listening on %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutdown signal received, starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("error during graceful server shutdown: %v", err)
	}
	log.Println("exiting.")
}
