// Package status serves the local read-only status API of the daemon:
// Prometheus metrics, a health check and JSON snapshots of connections and
// peer registries.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const snapshotTimeout = 5 * time.Second

// Server wraps the HTTP server. Start and Shutdown may be called from any
// goroutine.
type Server struct {
	http   *http.Server
	logger *slog.Logger
	ln     net.Listener
	done   chan error
}

// New builds a server for addr. logger may be nil.
func New(addr string, source Source, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           Router(source),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With(slog.String("component", "status")),
		done:   make(chan error, 1),
	}
}

// Router mounts the status routes.
func Router(source Source) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/p2p", func(sr chi.Router) {
		sr.Get("/connections", snapshotHandler(source, func(s Snapshot) any {
			return struct {
				NodeAddress string       `json:"nodeAddress,omitempty"`
				Connections []Connection `json:"connections"`
				Totals      any          `json:"totals"`
			}{s.NodeAddress, s.Connections, s.Totals}
		}))
		sr.Get("/peers", snapshotHandler(source, func(s Snapshot) any {
			return struct {
				Reported  []Peer   `json:"reported"`
				Persisted []Peer   `json:"persisted"`
				SeedNodes []string `json:"seedNodes"`
			}{s.Reported, s.Persisted, s.SeedNodes}
		}))
	})
	return r
}

func snapshotHandler(source Source, view func(Snapshot) any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
		defer cancel()
		snap, err := source.Snapshot(ctx)
		if err != nil {
			http.Error(w, "snapshot unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(view(snap))
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.logger.Info("status server listening", slog.String("addr", ln.Addr().String()))
	go func() {
		err := s.http.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.http.Addr
	}
	return s.ln.Addr().String()
}

// Done reports the serve loop's terminal error.
func (s *Server) Done() <-chan error { return s.done }

// Shutdown stops accepting and waits for in-flight requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		_ = s.http.Close()
		return err
	}
	return nil
}
