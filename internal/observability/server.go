package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMetricsHandler serves the text exposition on GET path. Anything else,
// including other methods on path, gets a 404.
func NewMetricsHandler(path string, gatherer prometheus.Gatherer) http.Handler {
	r := mux.NewRouter()
	r.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.NotFoundHandler = http.NotFoundHandler()
	r.MethodNotAllowedHandler = http.NotFoundHandler()
	return r
}

type MetricsServer struct {
	srv *http.Server
}

func NewMetricsServer(addr, path string, gatherer prometheus.Gatherer) *MetricsServer {
	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewMetricsHandler(path, gatherer),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Serve listens on l until ctx is cancelled.
func (s *MetricsServer) Serve(ctx context.Context, l net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(l)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ListenAndServe binds the configured address and serves until ctx ends.
func (s *MetricsServer) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	GetLogger().WithField("address", l.Addr().String()).Info("metrics endpoint listening")
	return s.Serve(ctx, l)
}
