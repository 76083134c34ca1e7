package icap

import (
	"context"
	"log/slog"
	"net"

	"github.com/ppomes/tokenshield/internal/security"
)

// Server accepts ICAP connections and dispatches each to the shared
// Handler, optionally gating by source-address allowlist and a
// per-source token bucket.
type Server struct {
	Addr        string
	Handler     *Handler
	Allowlist   []*net.IPNet
	RateLimiter *security.RedisTokenBucket
	Logger      *slog.Logger

	listener net.Listener
}

// ListenAndServe binds Addr and accepts connections until the listener
// is closed or accept fails unrecoverably.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Stop closes the listening socket, causing a blocked Serve/ListenAndServe
// call to return. In-flight connections are left to finish or hit their
// per-request deadline on their own; ICAP has no graceful-drain handshake
// to wait on, unlike HTTP's Shutdown.
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Serve accepts connections on ln, handling each on its own goroutine
// per the parallel multi-connection scheduling model.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	if !security.Allowed(conn.RemoteAddr().String(), s.Allowlist) {
		s.logger().Warn("icap: rejecting connection outside allowlist", "remote", conn.RemoteAddr())
		conn.Close()
		return
	}

	if s.RateLimiter != nil {
		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		allowed, _, err := s.RateLimiter.Allow(context.Background(), host)
		if err != nil {
			s.logger().Warn("icap: rate limiter error, failing open", "error", err)
		} else if !allowed {
			s.logger().Warn("icap: rate limit exceeded", "remote", conn.RemoteAddr())
			conn.Close()
			return
		}
	}

	s.Handler.Serve(conn)
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
