package rpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/Ceponce/finagle/pkg/log"
	"github.com/Ceponce/finagle/pkg/session"
	"github.com/Ceponce/finagle/pkg/stats"
	"github.com/Ceponce/finagle/pkg/transport"
	"github.com/Ceponce/finagle/pkg/wire"
)

// ClientConfig configures a mux client.
type ClientConfig struct {
	// TLS contains transport settings, including the validation policy.
	TLS *transport.Config

	// Label groups this client's connections for accounting (default:
	// "client").
	Label string

	// Stats receives connection gauge mutations (default: discard).
	Stats stats.Sink

	// Logger for transport events (optional).
	Logger log.Logger

	// ConnectTimeout bounds dial plus handshake when the caller's context
	// carries no deadline (default: 30s).
	ConnectTimeout time.Duration

	// CallTimeout bounds a call when the caller's context carries no
	// deadline (default: 30s).
	CallTimeout time.Duration

	// MaxMessageSize bounds frames in both directions (default: 256 KB).
	MaxMessageSize uint32

	// KeepAlive enables liveness probing when non-nil.
	KeepAlive *session.KeepAliveConfig
}

// Client is one secured, multiplexed connection to a server.
type Client struct {
	cfg    ClientConfig
	connID string
	sess   *session.Session
}

// Dial connects, negotiates TLS under the configured validation policy,
// and registers the established connection on the stats sink.
//
// On handshake failure the returned error is a *transport.HandshakeError
// and the connection gauge is never touched.
func Dial(ctx context.Context, address string, cfg ClientConfig) (*Client, error) {
	if cfg.TLS == nil {
		return nil, fmt.Errorf("transport config is required")
	}
	if cfg.Label == "" {
		cfg.Label = "client"
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NopSink{}
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 30 * time.Second
	}

	tlsConf, err := transport.NewClientTLSConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}

	// Apply timeout from config if context doesn't have one
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	sec, err := transport.Negotiate(ctx, conn, transport.RoleClient, tlsConf)
	if err != nil {
		// No gauge mutation: the connection never became Established.
		return nil, err
	}

	// In TLS 1.3 the client handshake finishes before the server has
	// evaluated our certificate; a server-side rejection only reaches us on
	// the first read. Probe with a ping before declaring the connection
	// established.
	if err := confirmEstablished(ctx, sec, cfg.MaxMessageSize); err != nil {
		sec.Close()
		return nil, err
	}

	connID := uuid.New().String()
	path := stats.ConnectionsPath(cfg.Label)
	cfg.Stats.Increment(path...)

	sink := cfg.Stats
	sess := session.New(sec, session.Config{
		Logger:         cfg.Logger,
		ConnID:         connID,
		MaxMessageSize: cfg.MaxMessageSize,
		KeepAlive:      cfg.KeepAlive,
		OnClosed: func() {
			sink.Decrement(path...)
		},
	})
	sess.Start()

	logStateChange(cfg.Logger, connID, sec.RemoteAddr(), "PENDING", "ESTABLISHED")

	return &Client{
		cfg:    cfg,
		connID: connID,
		sess:   sess,
	}, nil
}

// ConnID returns the unique connection identifier.
func (c *Client) ConnID() string {
	return c.connID
}

// RemoteAddr returns the server's network address.
func (c *Client) RemoteAddr() net.Addr {
	return c.sess.Secured().RemoteAddr()
}

// Call issues one logical exchange. Concurrent calls interleave over the
// same secured connection and complete out of order.
func (c *Client) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}
	return c.sess.Call(ctx, method, payload)
}

// Query issues the canonical string-in/string-out operation.
func (c *Client) Query(ctx context.Context, request string) (string, error) {
	reply, err := c.Call(ctx, QueryMethod, []byte(request))
	if err != nil {
		return "", err
	}
	return string(reply), nil
}

// Close tears the connection down and waits for teardown to complete,
// including the connection gauge decrement.
func (c *Client) Close() error {
	return c.sess.Close()
}

// Done returns a channel closed once teardown has completed, whether the
// close was local or peer-initiated.
func (c *Client) Done() <-chan struct{} {
	return c.sess.Done()
}

// confirmEstablished sends a ping over the freshly secured stream and waits
// for the pong. The server's session layer answers pings as soon as it
// starts serving the connection; a rejection alert or a dead stream surfaces
// here instead of on the first call.
func confirmEstablished(ctx context.Context, sec *transport.SecuredSession, maxMessageSize uint32) error {
	if maxMessageSize == 0 {
		maxMessageSize = transport.DefaultMaxMessageSize
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = sec.Conn().SetDeadline(deadline)
		defer sec.Conn().SetDeadline(time.Time{})
	}

	framer := transport.NewFramerWithMaxSize(sec.Conn(), maxMessageSize)

	ping, err := wire.EncodeControlMessage(&wire.ControlMessage{Kind: wire.KindPing})
	if err != nil {
		return err
	}
	if err := framer.WriteFrame(ping); err != nil {
		return classifyConfirmError(err)
	}

	reply, err := framer.ReadFrame()
	if err != nil {
		return classifyConfirmError(err)
	}
	kind, err := wire.PeekKind(reply)
	if err != nil {
		return err
	}
	if kind != wire.KindPong {
		return fmt.Errorf("unexpected %s message during connection confirmation", kind)
	}
	return nil
}

// classifyConfirmError types a failure observed during connection
// confirmation. A remote TLS alert means the server side refused us; the
// client cannot see the server's reasoning, so any refusal maps to the same
// kind.
func classifyConfirmError(err error) error {
	kind := transport.FailureTransport
	if transport.IsRemoteAlert(err) {
		kind = transport.FailureServerRejectedPeer
	}
	return &transport.HandshakeError{Kind: kind, Role: transport.RoleClient, Err: err}
}

// logStateChange emits a connection state transition event.
func logStateChange(logger log.Logger, connID string, remote net.Addr, oldState, newState string) {
	if logger == nil {
		return
	}
	addr := ""
	if remote != nil {
		addr = remote.String()
	}
	logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Layer:        log.LayerRPC,
		Category:     log.CategoryState,
		RemoteAddr:   addr,
		StateChange:  &log.StateChangeEvent{OldState: oldState, NewState: newState},
	})
}
