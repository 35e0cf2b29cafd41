package smtp

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/sendgrid-relay/internal/provider"
)

// shutdownTimeout bounds the wait for in-flight sessions on shutdown.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is announced in the greeting and EHLO replies.
	Hostname string

	// Provider receives every accepted message.
	Provider provider.Provider

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If both are empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	// MaxMessageSize defaults to DefaultMaxMessageSize.
	MaxMessageSize int

	// MaxConnections caps concurrent sessions. Zero means unlimited.
	MaxConnections int

	Logger *slog.Logger
}

// Server accepts SMTP connections and hands each one to a Session.
type Server struct {
	config ServerConfig
	auth   *Authenticator
	log    *slog.Logger

	mu       sync.Mutex
	listener net.Listener

	// slots limits concurrent sessions when MaxConnections is set.
	slots chan struct{}
	wg    sync.WaitGroup
}

// New creates a Server.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
		log:    cfg.Logger.With("component", "smtp"),
	}
	if cfg.MaxConnections > 0 {
		s.slots = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then stops
// accepting and waits up to shutdownTimeout for in-flight sessions.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"provider", s.config.Provider.Name(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down SMTP server")
		ln.Close()
	}()

	sessionCfg := SessionConfig{
		Auth:           s.auth,
		Provider:       s.config.Provider,
		Hostname:       s.config.Hostname,
		TLSConfig:      s.config.TLSConfig,
		MaxMessageSize: s.config.MaxMessageSize,
		Logger:         s.log,
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.waitForSessions()
				return nil
			default:
				s.log.Error("accept error", "error", err)
				continue
			}
		}

		if !s.acquire() {
			s.log.Warn("connection limit reached", "remote", conn.RemoteAddr().String())
			_, _ = conn.Write([]byte("421 4.7.0 Too many connections, try again later\r\n"))
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release()
			NewSession(conn, sessionCfg).Handle(ctx)
		}()
	}
}

func (s *Server) acquire() bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() {
	if s.slots != nil {
		<-s.slots
	}
}

func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		s.log.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or "" if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
