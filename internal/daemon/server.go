package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/harun/docsync/internal/observability"
	"github.com/rs/zerolog"
)

// statusServer exposes /metrics, /healthz and /status on the metrics address
type statusServer struct {
	daemon *Daemon
	server *http.Server
	addr   string
	logger zerolog.Logger
}

func newStatusServer(d *Daemon, addr string) *statusServer {
	s := &statusServer{
		daemon: d,
		addr:   addr,
		logger: d.logger.Component("http"),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{Handler: mux}
	return s
}

// Start binds the listener before returning so a port conflict fails the
// daemon start instead of surfacing later in a goroutine
func (s *statusServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.addr = ln.Addr().String()

	s.logger.Info().Str("addr", s.addr).Msg("Starting status server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Status server error")
		}
	}()
	return nil
}

// Stop gracefully shuts the server down
func (s *statusServer) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown status server: %w", err)
	}
	s.logger.Info().Msg("Status server stopped")
	return nil
}

// Addr returns the bound address, which differs from the configured one
// when the port was 0
func (s *statusServer) Addr() string {
	return s.addr
}

func (s *statusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.daemon.StatusContext(r.Context())); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to encode status")
	}
}
