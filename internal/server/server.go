// Package server assembles the HTTP ops surface of the coordination
// platform: health probes, status snapshots, Prometheus metrics, the
// live-reload websocket bridge, and the admin API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/strandkit/strand/pkg/csrf"
	"github.com/strandkit/strand/pkg/metrics"
	"github.com/strandkit/strand/pkg/platform"
	"github.com/strandkit/strand/pkg/ratelimit"
	"github.com/strandkit/strand/pkg/reload"
	"github.com/strandkit/strand/pkg/services"
	"github.com/strandkit/strand/pkg/session"
)

// Version is set at build time.
var Version = "dev"

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Server serves the platform's HTTP surface.
type Server struct {
	platform *platform.Platform
	http     *http.Server
}

// New creates a server for the given platform.
func New(p *platform.Platform) *Server {
	s := &Server{platform: p}
	s.http = &http.Server{
		Addr:              p.Config().Server.Address,
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the root handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		tls := s.platform.Config().Server.TLS
		slog.Info("http server listening", "address", s.http.Addr, "tls", tls.Enabled)

		var err error
		if tls.Enabled {
			err = s.http.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = s.http.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// routes builds the handler tree.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	checker := s.platform.Health()
	mux.HandleFunc("/healthz", checker.LivenessHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ws/reload", s.handleReloadSocket)

	if s.platform.Config().Metrics.Enabled {
		mux.Handle("/metrics", metrics.Handler())
	}

	mux.Handle("/admin/", s.adminHandler())

	return mux
}

// statusResponse is the /status snapshot.
type statusResponse struct {
	Server    serverInfo      `json:"server"`
	State     string          `json:"state"`
	Sessions  session.Stats   `json:"sessions"`
	Csrf      csrf.Stats      `json:"csrf"`
	Services  services.Stats  `json:"services"`
	RateLimit ratelimit.Stats `json:"ratelimit"`
	Reload    reload.Stats    `json:"reload"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := s.platform.Config()
	writeJSON(w, http.StatusOK, statusResponse{
		Server: serverInfo{
			Name:    cfg.Server.Name,
			Version: cfg.Server.Version,
		},
		State:     s.platform.Health().State(),
		Sessions:  s.platform.Sessions().Stats(),
		Csrf:      s.platform.Csrf().Stats(),
		Services:  s.platform.Services().Stats(),
		RateLimit: s.platform.RateLimit().Stats(),
		Reload:    s.platform.Reload().Stats(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encoding response", "error", err)
	}
}
