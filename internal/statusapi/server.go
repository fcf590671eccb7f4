// Package statusapi serves health, Prometheus metrics and dispatcher
// counters over HTTP.
package statusapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"solana-flowwatch/internal/dispatcher"
	"solana-flowwatch/internal/observability"
	"solana-flowwatch/internal/solana"
)

// StatsSource exposes dispatcher counters.
type StatsSource interface {
	Stats() dispatcher.Snapshot
}

// StateSource exposes the transport state. Nil in poll mode.
type StateSource interface {
	State() solana.ConnState
}

// Options contains configuration for creating a Server.
type Options struct {
	Stats  StatsSource
	State  StateSource
	Mode   string
	Logger logrus.FieldLogger
}

// Server is the status HTTP surface.
type Server struct {
	engine  *gin.Engine
	stats   StatsSource
	state   StateSource
	mode    string
	started time.Time
	logger  logrus.FieldLogger
}

// New creates a server with /health, /metrics and /stats routes.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine:  gin.New(),
		stats:   opts.Stats,
		state:   opts.State,
		mode:    opts.Mode,
		started: time.Now(),
		logger:  opts.Logger.WithField("component", "statusapi"),
	}
	s.engine.Use(gin.Recovery())

	s.engine.GET("/health", s.getHealth)
	s.engine.GET("/metrics", gin.WrapH(observability.Handler()))
	s.engine.GET("/stats", s.getStats)
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("Status server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type healthResponse struct {
	Status    string `json:"status"`
	Mode      string `json:"mode,omitempty"`
	Transport string `json:"transport,omitempty"`
	Uptime    string `json:"uptime"`
}

// getHealth reports 503 while a stream transport is not open.
func (s *Server) getHealth(c *gin.Context) {
	resp := healthResponse{
		Status: "ok",
		Mode:   s.mode,
		Uptime: time.Since(s.started).Truncate(time.Second).String(),
	}
	code := http.StatusOK

	if s.state != nil {
		st := s.state.State()
		resp.Transport = st.String()
		if st != solana.StateOpen {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, resp)
}

func (s *Server) getStats(c *gin.Context) {
	if s.stats == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no dispatcher"})
		return
	}
	c.JSON(http.StatusOK, s.stats.Stats())
}
