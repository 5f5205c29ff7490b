// Package server binds the plaintext and HTTPS listeners and assembles the
// request pipeline they share.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"

	"github.com/fondiui/fondiui-server/internal/pki"
)

const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// Server owns the listeners. The HTTPS listener exists only when TLS material
// was resolved.
type Server struct {
	cfg      *Config
	material *pki.Material
	handler  http.Handler
	log      zerolog.Logger

	mu        sync.Mutex
	listeners []*listener
	errs      chan error
}

type listener struct {
	scheme string
	ln     net.Listener
	srv    *http.Server
}

// New prepares a server; nothing is bound until Start.
func New(cfg *Config, material *pki.Material, handler http.Handler, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		material: material,
		handler:  handler,
		log:      log,
		errs:     make(chan error, 2),
	}
}

// ListenerError is delivered on Err when a listener fails to bind or stops
// serving on its own.
type ListenerError struct {
	Scheme string
	Err    error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("%s listener: %v", e.Scheme, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }

// Fatal reports whether the failure takes down the plaintext listener, which
// the process cannot run without.
func (e *ListenerError) Fatal() bool { return e.Scheme == SchemeHTTP }

// Start binds every listener and then serves them in the background. A
// plaintext bind failure is returned. The HTTPS listener is independent of it:
// when it cannot be configured or bound the failure is logged and delivered on
// Err while plaintext keeps serving.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.listeners) > 0 {
		return errors.New("server already started")
	}

	var lc net.ListenConfig

	plain, err := lc.Listen(ctx, "tcp", s.cfg.addr(s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to bind http listener on port %d: %w", s.cfg.Port, err)
	}
	bound := []*listener{{scheme: SchemeHTTP, ln: plain, srv: configureHTTPServer(s.handler, s.log)}}

	if s.material != nil {
		secure, err := s.bindTLS(ctx, &lc)
		if err != nil {
			s.log.Error().Err(err).Int("port", s.cfg.HTTPSPort).Msg("https listener unavailable, serving plaintext only")
			s.errs <- &ListenerError{Scheme: SchemeHTTPS, Err: err}
		} else {
			bound = append(bound, secure)
		}
	}

	s.listeners = bound
	for _, l := range bound {
		port := 0
		if tcp, ok := l.ln.Addr().(*net.TCPAddr); ok {
			port = tcp.Port
		}
		s.log.Info().
			Str("scheme", l.scheme).
			Str("addr", l.ln.Addr().String()).
			Int("port", port).
			Msg("listening")

		go s.serve(l)
	}

	return nil
}

func (s *Server) bindTLS(ctx context.Context, lc *net.ListenConfig) (*listener, error) {
	srv := configureHTTPServer(s.handler, s.log)
	srv.TLSConfig = s.material.TLSConfig()
	if err := http2.ConfigureServer(srv, nil); err != nil {
		return nil, fmt.Errorf("failed to configure http2: %w", err)
	}

	raw, err := lc.Listen(ctx, "tcp", s.cfg.addr(s.cfg.HTTPSPort))
	if err != nil {
		return nil, fmt.Errorf("failed to bind https listener on port %d: %w", s.cfg.HTTPSPort, err)
	}
	return &listener{scheme: SchemeHTTPS, ln: tls.NewListener(raw, srv.TLSConfig), srv: srv}, nil
}

func (s *Server) serve(l *listener) {
	err := l.srv.Serve(l.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return
	}
	s.log.Error().Err(err).Str("scheme", l.scheme).Msg("listener stopped")
	s.errs <- &ListenerError{Scheme: l.scheme, Err: err}
}

// Err delivers a *ListenerError for every listener that failed to bind or
// stopped serving without Shutdown.
func (s *Server) Err() <-chan error {
	return s.errs
}

// Addrs returns the bound address per scheme.
func (s *Server) Addrs() map[string]net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make(map[string]net.Addr, len(s.listeners))
	for _, l := range s.listeners {
		addrs[l.scheme] = l.ln.Addr()
	}
	return addrs
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	listeners := s.listeners
	s.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, l := range listeners {
		wg.Add(1)
		go func(l *listener) {
			defer wg.Done()
			if err := l.srv.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s listener: %w", l.scheme, err))
				mu.Unlock()
			}
		}(l)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func configureHTTPServer(handler http.Handler, log zerolog.Logger) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    64 * 1024, // 64KiB
		ErrorLog:          newErrorLog(log),
	}
}

// newErrorLog routes net/http's internal errors (TLS handshake failures and
// the like) through zerolog at debug level.
func newErrorLog(log zerolog.Logger) *stdlog.Logger {
	return stdlog.New(errorLogWriter{log: log.With().Str("component", "net/http").Logger()}, "", 0)
}

type errorLogWriter struct {
	log zerolog.Logger
}

func (w errorLogWriter) Write(p []byte) (int, error) {
	w.log.Debug().Msg(strings.TrimSpace(string(p)))
	return len(p), nil
}
