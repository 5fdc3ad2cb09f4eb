// Package server routes requests to services by host name
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/hostrouter"

	"github.com/baely/monzo/internal/common/errors"
)

// ShutdownTimeout bounds a graceful shutdown
const ShutdownTimeout = 10 * time.Second

type Server struct {
	*http.Server

	hostRouter hostrouter.Routes
}

func New(port string) *Server {
	hr := hostrouter.New()

	s := &Server{
		Server: &http.Server{
			Addr:              net.JoinHostPort("", port),
			ReadHeaderTimeout: 10 * time.Second,
		},
		hostRouter: hr,
	}

	r := chi.NewRouter()
	r.Mount("/", hr)
	s.Server.Handler = r

	return s
}

// RegisterDomain serves router for requests to domain. An empty domain
// serves every host not otherwise registered.
func (s *Server) RegisterDomain(domain string, router chi.Router) {
	if domain == "" {
		domain = "*"
	}
	s.hostRouter.Map(domain, router)
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
