package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"firestige.xyz/applayer/internal/log"
)

const shutdownTimeout = 5 * time.Second

// Server exposes the collectors of a Gatherer over HTTP, plus a /healthz
// probe that answers "ok".
type Server struct {
	path     string
	gatherer prometheus.Gatherer
	srv      *http.Server
	ln       net.Listener
}

// NewServer returns a server for the default registry. path defaults to
// /metrics.
func NewServer(addr, path string) *Server {
	if path == "" {
		path = "/metrics"
	}
	return &Server{
		path:     path,
		gatherer: prometheus.DefaultGatherer,
		srv: &http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
	}
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "ok")
	})
	return mux
}

// Start binds the listener and serves in the background. A bind failure is
// returned; later serve errors are only logged.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", s.srv.Addr, err)
	}
	s.ln = ln
	s.srv.Handler = s.handler()

	log.GetLogger().WithFields(log.Fields{"addr": ln.Addr().String(), "path": s.path}).Info("metrics server listening")
	go func() {
		if err := s.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			log.GetLogger().WithError(err).Error("metrics server stopped unexpectedly")
		}
	}()
	return nil
}

// Addr is the bound address, nil until Start succeeds.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics shutdown: %w", err)
	}
	return nil
}
