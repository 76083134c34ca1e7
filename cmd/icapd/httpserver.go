package main

import (
	"context"
	"net/http"
)

// httpServer is a thin wrapper around http.Server so main can start the
// admin surface without net/http leaking into the rest of the wiring.
type httpServer struct {
	srv *http.Server
}

func newHTTPServer(addr string, handler http.Handler) *httpServer {
	return &httpServer{srv: &http.Server{Addr: addr, Handler: handler}}
}

func (s *httpServer) listenAndServe() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *httpServer) shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
