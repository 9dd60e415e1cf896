// The presence backend: token issuance, durable sessions, and the live
// WebSocket presence registry, behind two listeners (control surface and
// gateway).
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/stillhour/backend/internal/config"
	"github.com/stillhour/backend/internal/gateway"
	"github.com/stillhour/backend/internal/httpapi"
	"github.com/stillhour/backend/internal/metrics"
	"github.com/stillhour/backend/internal/ratelimit"
	"github.com/stillhour/backend/internal/registry"
	"github.com/stillhour/backend/internal/session"
	"github.com/stillhour/backend/internal/store"
	"github.com/stillhour/backend/internal/token"
)

const limiterSweepInterval = 5 * time.Minute

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	slog.Info("starting presence backend", "env", cfg.Env, "port", cfg.Port, "ws_port", cfg.WSPort)

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}

	m := metrics.New()

	// Independent limiters per concern; constants are part of the contract.
	controlLimiter := ratelimit.NewLimiter("control", ratelimit.ControlConfig())
	apiLimiter := ratelimit.NewLimiter("api", ratelimit.APIConfig())
	heartbeatLimiter := ratelimit.NewLimiter("heartbeat", ratelimit.HeartbeatConfig())
	beginLimiter := ratelimit.NewLimiter("session-begin", ratelimit.SessionBeginConfig())

	tokens := token.NewService(cfg.JWTSecret, cfg.Tuning.TokenTTL())
	hasher := ratelimit.NewIPHasher(cfg.IPHashSecret)

	sessions := session.NewManager(st, tokens, beginLimiter, hasher)
	sessions.SetStaleAfter(cfg.Tuning.StaleSessionAfter())

	reg := registry.New(st, sessions, heartbeatLimiter, m)
	reg.SetHeartbeatTimeout(cfg.Tuning.HeartbeatTimeout())
	sessions.SetPresenceRemover(reg)

	gw := gateway.New(reg, controlLimiter, m, cfg.Env, cfg.AllowedOrigins)

	api := httpapi.NewServer(sessions, reg, st, apiLimiter, m, cfg.Env, cfg.AllowedOrigins)

	// Background sweepers. done fans out to all of them; the WaitGroup lets
	// shutdown wait for the current tick to finish.
	done := make(chan struct{})
	var sweepers sync.WaitGroup
	runSweeper := func(fn func()) {
		sweepers.Add(1)
		go func() {
			defer sweepers.Done()
			fn()
		}()
	}
	runSweeper(func() { reg.RunSweeper(done, cfg.Tuning.HeartbeatSweepInterval()) })
	runSweeper(func() { sessions.RunSweeper(done, cfg.Tuning.StaleSessionSweepInterval()) })
	for _, l := range []*ratelimit.Limiter{controlLimiter, apiLimiter, heartbeatLimiter, beginLimiter} {
		limiter := l
		runSweeper(func() { limiter.Run(done, limiterSweepInterval) })
	}

	apiServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", gw.HandleWebSocket)
	wsServer := &http.Server{
		Addr:        ":" + cfg.WSPort,
		Handler:     wsMux,
		ReadTimeout: 0, // long-lived channels manage their own deadlines
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("control surface listening", "addr", apiServer.Addr)
		errCh <- apiServer.ListenAndServe()
	}()
	go func() {
		slog.Info("gateway listening", "addr", wsServer.Addr)
		errCh <- wsServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		log.Fatalf("listener failed: %v", err)
	}

	// Orderly shutdown: stop accepting, close every channel, let sweepers
	// finish their tick, release the store. Open sessions are reaped by the
	// stale sweeper on the next start.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wsServer.Shutdown(shutdownCtx)
	reg.CloseAll(registry.CloseNormal, "server shutting down")
	apiServer.Shutdown(shutdownCtx)

	close(done)
	sweepers.Wait()

	if err := st.Close(); err != nil {
		slog.Warn("store close failed", "error", err)
	}
	slog.Info("shutdown complete")
}

// openStore connects Postgres, or falls back to the in-memory store with a
// seeded demo moment when development mode has no DATABASE_URL.
func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return store.OpenPostgres(ctx, cfg.DatabaseURL)
	}

	slog.Warn("DATABASE_URL not set; using in-memory store (development only)")
	mem := store.NewMemory()
	mem.PutMoment(&store.Moment{
		ID:              uuid.NewString(),
		Slug:            "first-light",
		Title:           "First Light",
		Status:          store.MomentLive,
		MaxParticipants: 100,
		DurationSeconds: 3600,
		CreatedAt:       time.Now().UTC(),
	})
	return mem, nil
}
