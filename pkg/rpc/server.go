package rpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Ceponce/finagle/pkg/log"
	"github.com/Ceponce/finagle/pkg/session"
	"github.com/Ceponce/finagle/pkg/stats"
	"github.com/Ceponce/finagle/pkg/transport"
)

// ServerConfig configures a mux server.
type ServerConfig struct {
	// TLS contains transport settings, including the validation policy.
	TLS *transport.Config

	// Address to listen on (e.g., ":9443" or "127.0.0.1:9443").
	Address string

	// Label groups this server's connections for accounting (default:
	// "server").
	Label string

	// Stats receives connection gauge mutations (default: discard).
	Stats stats.Sink

	// Logger for transport events (optional).
	Logger log.Logger

	// Handler serves exchanges on every secured session. Use (*Mux).Serve
	// for per-method dispatch.
	Handler session.Handler

	// HandshakeTimeout bounds each inbound handshake (default: 10s).
	HandshakeTimeout time.Duration

	// MaxMessageSize bounds frames in both directions (default: 256 KB).
	MaxMessageSize uint32

	// OnError is called when accepting or securing a connection fails.
	OnError func(err error)
}

// Server accepts connections, negotiates TLS under its validation policy,
// and serves exchanges over every secured session.
type Server struct {
	cfg      ServerConfig
	tlsConf  *tls.Config
	listener net.Listener

	// Active secured sessions
	sessions   map[*session.Session]struct{}
	sessionsMu sync.Mutex

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a new mux server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.TLS == nil {
		return nil, fmt.Errorf("transport config is required")
	}
	if cfg.Address == "" {
		cfg.Address = fmt.Sprintf(":%d", transport.DefaultPort)
	}
	if cfg.Label == "" {
		cfg.Label = "server"
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NopSink{}
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	tlsConf, err := transport.NewServerTLSConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}

	return &Server{
		cfg:      cfg,
		tlsConf:  tlsConf,
		sessions: make(map[*session.Session]struct{}),
	}, nil
}

// Start starts the server and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop stops the server, closes all sessions and waits for their teardown
// (including gauge decrements) to complete.
func (s *Server) Stop() error {
	if !s.running.Load() {
		return nil
	}

	s.running.Store(false)
	s.cancel()

	// Close listener to stop the accept loop
	if s.listener != nil {
		s.listener.Close()
	}

	// Close all sessions; Close waits for each teardown.
	s.sessionsMu.Lock()
	open := make([]*session.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.sessionsMu.Unlock()

	for _, sess := range open {
		sess.Close()
	}

	s.wg.Wait()

	return nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// SessionCount returns the number of live secured sessions.
func (s *Server) SessionCount() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}

// acceptLoop accepts incoming connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			if s.cfg.OnError != nil {
				s.cfg.OnError(fmt.Errorf("accept error: %w", err))
			}
			// Persistent accept failures (fd exhaustion, closed listener)
			// must not spin the loop.
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection negotiates and serves a single connection.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	hsCtx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	sec, err := transport.Negotiate(hsCtx, conn, transport.RoleServer, s.tlsConf)
	cancel()
	if err != nil {
		// Failed handshakes never touch the gauge.
		if s.cfg.OnError != nil {
			s.cfg.OnError(err)
		}
		return
	}

	connID := uuid.New().String()
	path := stats.ConnectionsPath(s.cfg.Label)
	s.cfg.Stats.Increment(path...)

	sink := s.cfg.Stats
	sess := session.New(sec, session.Config{
		Handler:        s.cfg.Handler,
		Logger:         s.cfg.Logger,
		ConnID:         connID,
		MaxMessageSize: s.cfg.MaxMessageSize,
		OnClosed: func() {
			sink.Decrement(path...)
		},
	})

	// Registration is checked against running under the same lock Stop uses
	// for its snapshot: either Stop sees this session and closes it, or we
	// see running=false here and close it ourselves.
	s.sessionsMu.Lock()
	s.sessions[sess] = struct{}{}
	stopping := !s.running.Load()
	s.sessionsMu.Unlock()

	logStateChange(s.cfg.Logger, connID, conn.RemoteAddr(), "PENDING", "ESTABLISHED")

	sess.Start()
	if stopping {
		sess.Close()
	}

	// Serve until the session is torn down (peer close, error or Stop).
	<-sess.Done()

	s.sessionsMu.Lock()
	delete(s.sessions, sess)
	s.sessionsMu.Unlock()
}
