package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/invitewave/project/internal/app/campaign"
	"github.com/invitewave/project/internal/app/directory"
	"github.com/invitewave/project/internal/app/gateway"
	"github.com/invitewave/project/internal/app/identity"
	"github.com/invitewave/project/internal/app/messages"
	"github.com/invitewave/project/internal/platform/config"
	"github.com/invitewave/project/internal/platform/dbpool"
	"github.com/invitewave/project/internal/platform/metrics"
	"github.com/invitewave/project/internal/platform/natsutil"
	"github.com/invitewave/project/internal/realtime"
)

type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadGateway(runCtx)
	if err != nil {
		log.Fatal(err)
	}

	pool, err := dbpool.New(runCtx, cfg.DatabaseURL, cfg.DB)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	campaignStore := campaign.NewPostgresStore(pool)
	directoryRepo := directory.NewPostgresRepository(pool)
	messageStore := messages.NewPostgresStore(pool)
	identityRepo := identity.NewPostgresRepository(pool)
	for _, ensurer := range []schemaEnsurer{campaignStore, directoryRepo, messageStore, identityRepo} {
		if err := waitForSchema(runCtx, ensurer, 30*time.Second); err != nil {
			log.Fatal(err)
		}
	}

	client, err := natsutil.ConnectJetStreamWithRetry(cfg.NATSURL, cfg.NATSConnectTimeout)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	registry := realtime.NewRegistry()
	dispatcher := realtime.NewDispatcher(registry, cfg.SendTimeout)

	publisher := natsutil.JetStreamPublisher{JS: client.JS}
	campaignSvc := campaign.NewService(campaignStore, directoryRepo, messageStore, dispatcher, publisher.Publish)
	identitySvc := identity.NewService(identityRepo, identity.NewTokenManager(cfg.JWTSecret))

	handler := gateway.NewHandler(campaignSvc, identitySvc, registry, directoryRepo, cfg.UIOrigin)
	handler.Messages = messageStore
	handler.PromoteCoordinators = cfg.PromoteCoordinators

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkReadiness(r.Context(), pool, client.Conn); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", handler.Router())

	// No ReadTimeout/WriteTimeout: websocket sessions outlive any fixed
	// request budget.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	fmt.Printf("Gateway listening on %s\n", cfg.Addr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal(err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("gateway graceful shutdown failed: %v", err)
	}
}

func waitForSchema(ctx context.Context, ensurer schemaEnsurer, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = ensurer.EnsureSchema(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		log.Printf("waiting for schema readiness: %v", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func checkReadiness(ctx context.Context, pool *pgxpool.Pool, conn *nats.Conn) error {
	if conn == nil {
		return errors.New("nats connection is nil")
	}
	if conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", conn.Status().String())
	}

	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
