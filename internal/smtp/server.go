package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/postmark-relay/internal/dispatch"
)

// shutdownTimeout bounds how long ListenAndServe waits for in-flight sessions.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is announced in the greeting and EHLO replies.
	Hostname string

	// Sender relays accepted messages.
	Sender Sender

	// Dispatch is passed to Sender for every message.
	Dispatch dispatch.Config

	// TLSConfig enables STARTTLS when non-nil.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH; leaving either
	// empty disables it.
	AuthUsername string
	AuthPassword string

	MaxMessageSize int

	// DispatchTimeout bounds each relay call; zero uses DefaultDispatchTimeout.
	DispatchTimeout time.Duration

	// MaxConnections caps concurrent sessions; zero means no cap.
	MaxConnections int

	Logger *slog.Logger
}

// Server accepts SMTP connections and runs a Session for each one.
type Server struct {
	config ServerConfig
	auth   *Authenticator
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight sessions for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a Server. It fails when no Sender is configured.
func New(cfg ServerConfig) (*Server, error) {
	if cfg.Sender == nil {
		return nil, errors.New("smtp: sender is required")
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
		logger: logger,
	}, nil
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then stops
// accepting and waits up to shutdownTimeout for open sessions.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
		"max_message_size", s.config.MaxMessageSize,
	)

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down SMTP server")
		_ = ln.Close()
	}()

	var slots chan struct{}
	if s.config.MaxConnections > 0 {
		slots = make(chan struct{}, s.config.MaxConnections)
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.waitForSessions()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Error("accept error", "error", err)
			continue
		}

		if slots != nil {
			select {
			case slots <- struct{}{}:
			default:
				s.logger.Warn("connection limit reached", "remote_addr", conn.RemoteAddr().String())
				_, _ = fmt.Fprintf(conn, "421 %s Too many connections, try again later\r\n", s.config.Hostname)
				_ = conn.Close()
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if slots != nil {
				defer func() { <-slots }()
			}
			NewSession(conn, s.sessionOptions()).Handle(ctx)
		}()
	}
}

func (s *Server) sessionOptions() SessionOptions {
	return SessionOptions{
		Auth:            s.auth,
		Sender:          s.config.Sender,
		Dispatch:        s.config.Dispatch,
		Hostname:        s.config.Hostname,
		TLSConfig:       s.config.TLSConfig,
		MaxMessageSize:  s.config.MaxMessageSize,
		DispatchTimeout: s.config.DispatchTimeout,
		Logger:          s.logger,
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
		s.logger.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		s.logger.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or "" before Serve has started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
