package infra

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// HTTPServer runs the intake API with context-driven shutdown.
type HTTPServer struct {
	server    *http.Server
	graceWait time.Duration
}

// NewHTTPServer configures the listener from config timeouts.
func NewHTTPServer(cfg *Config, handler http.Handler) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           handler,
			ReadTimeout:       cfg.HTTPReadTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      cfg.HTTPWriteTimeout,
			IdleTimeout:       cfg.HTTPIdleTimeout,
		},
		graceWait: cfg.HTTPIdleTimeout,
	}
}

// Addr returns the listen address.
func (s *HTTPServer) Addr() string {
	return s.server.Addr
}

// Run serves until ctx is canceled, then drains in-flight requests within the
// grace period. A nil return covers both a clean listen cycle and a clean
// shutdown.
func (s *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.graceWait)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
