// Package http expone la superficie de observación del daemon:
// health, status de la corrida, métricas prometheus y pprof opcional.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Server envuelve el http.Server estándar con arranque y cierre ordenado.
type Server struct {
	srv *http.Server
}

// NewServer arma el server con timeouts sanos para un endpoint de status.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}}
}

// Start bloquea sirviendo hasta Shutdown. El cierre ordenado no es error.
func (s *Server) Start() error {
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown cierra el server acotado por ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
