package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"firestige.xyz/pktt/internal/log"
)

// DefaultPath is where the decode counters are served when no path is set.
const DefaultPath = "/metrics"

// Server exposes the decode counters over HTTP for the lifetime of one
// pktt command, so a long live-mode decode can be watched while it runs.
type Server struct {
	listen string
	path   string
	logger log.Logger

	ln  net.Listener
	srv *http.Server
}

// NewServer creates a server for the metrics.listen and metrics.path
// settings.
func NewServer(listen, path string, logger log.Logger) *Server {
	if path == "" {
		path = DefaultPath
	}
	return &Server{
		listen: listen,
		path:   path,
		logger: log.Must(logger).WithFields(map[string]interface{}{
			"component": "metrics",
			"listen":    listen,
		}),
	}
}

// Start binds the listen address and serves in the background. A bind
// failure is returned rather than logged, so a misconfigured address fails
// the command up front.
func (s *Server) Start(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.listen)
	if err != nil {
		return fmt.Errorf("metrics.listen %s: %w", s.listen, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		ErrorLog: s,
	}))
	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	s.logger.WithField("addr", ln.Addr().String()).Infof("serving metrics on %s", s.path)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("metrics server stopped unexpectedly")
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Println lets promhttp report gather errors through the pktt logger.
func (s *Server) Println(v ...interface{}) {
	s.logger.Warn(append([]interface{}{"metrics gather: "}, v...)...)
}

// Stop shuts the server down, waiting at most 5s for in-flight scrapes.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	s.logger.Debug("metrics server stopped")
	return nil
}
