// Package statusapi serves read-only projections of a running agent over
// HTTP. Every response is a point-in-time copy; nothing here can mutate
// agent state.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/hcsagent/internal/ledger"
	"github.com/roach88/hcsagent/internal/observability"
	"github.com/roach88/hcsagent/internal/registry"
)

// Provider is the read side of an agent runtime.
type Provider interface {
	Connections() []registry.Connection
	Pending() []ledger.PendingProposal
	Executed() []ledger.ExecutedProposal
	Health() observability.HealthSnapshot
	StrategyName() string
}

type healthResponse struct {
	observability.HealthSnapshot
	Strategy string `json:"strategy"`
}

// New builds the status router. A nil metrics disables /metrics.
func New(p Provider, metrics *observability.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.GetHead)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		snap := p.Health()
		status := http.StatusOK
		if snap.StorageFailing {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, healthResponse{HealthSnapshot: snap, Strategy: p.StrategyName()})
	})
	r.Get("/connections", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"connections": p.Connections()})
	})
	r.Route("/proposals", func(sr chi.Router) {
		sr.Get("/pending", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"pending": p.Pending()})
		})
		sr.Get("/executed", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"executed": p.Executed()})
		})
	})
	if metrics != nil {
		r.Handle("/metrics", metrics.Handler())
	}
	return r
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("status api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
