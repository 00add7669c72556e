package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/dtp/internal/logging"
)

// Server exposes a Collector over HTTP at /metrics
type Server struct {
	http     *http.Server
	listener net.Listener
	done     chan struct{}
}

// Serve binds addr and serves the collector's metrics in the background.
// Use Addr to learn the port when addr ends in ":0".
func (c *Collector) Serve(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	s := &Server{
		http: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: ln,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Metrics server failed", zap.String("addr", ln.Addr().String()), zap.Error(err))
		}
	}()

	logging.Info("Serving metrics", zap.String("addr", ln.Addr().String()))
	return s, nil
}

// Addr returns the bound address
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Shutdown stops serving, waiting for in-flight scrapes until ctx ends
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	<-s.done
	return err
}
