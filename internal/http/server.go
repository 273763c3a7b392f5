package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	nethttp "net/http"
	"time"

	"DistMR/internal/logger"
	"DistMR/internal/types"
)

// StatsProvider is implemented by the coordinator.
type StatsProvider interface {
	Stats() types.Stats
}

type ServerOpts struct {
	ID   string
	Host string
	Port int
}

// Server exposes read-only job progress over HTTP.
type Server struct {
	opts   ServerOpts
	stats  StatsProvider
	srv    *nethttp.Server
	logger *logger.Logger
}

func NewServer(opts ServerOpts, stats StatsProvider, lg *logger.Logger) *Server {
	if lg == nil {
		lg = logger.New("INFO")
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}

	s := &Server{
		opts:   opts,
		stats:  stats,
		logger: lg.Named("http"),
	}
	s.srv = &nethttp.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routes: GET /status and GET /healthz.
func (s *Server) Handler() nethttp.Handler {
	mux := nethttp.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.WriteHeader(nethttp.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return mux
}

type statusResponse struct {
	ID string `json:"id"`
	types.Stats
}

func (s *Server) handleStatus(w nethttp.ResponseWriter, r *nethttp.Request) {
	if r.Method != nethttp.MethodGet {
		nethttp.Error(w, "method not allowed", nethttp.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statusResponse{ID: s.opts.ID, Stats: s.stats.Stats()}); err != nil {
		s.logger.Warn("Failed to write status: %v", err)
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Status server listening: addr=%s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		s.logger.Error("Status server failed: %v", err)
		return fmt.Errorf("status server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
