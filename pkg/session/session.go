package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Ceponce/finagle/pkg/log"
	"github.com/Ceponce/finagle/pkg/transport"
	"github.com/Ceponce/finagle/pkg/wire"
)

// Handler serves incoming exchanges. It runs in its own goroutine per
// exchange; concurrent invocations are possible.
type Handler func(ctx context.Context, method string, payload []byte) ([]byte, wire.Status)

// Config configures a session.
type Config struct {
	// Handler serves incoming requests. Nil sessions answer every request
	// with an unsupported-method status.
	Handler Handler

	// Logger for transport events (optional).
	Logger log.Logger

	// ConnID identifies the underlying connection in log events.
	ConnID string

	// MaxMessageSize bounds frames in both directions (default: 256 KB).
	MaxMessageSize uint32

	// KeepAlive enables liveness probing when non-nil. A session whose
	// peer stops answering pings is force-closed.
	KeepAlive *KeepAliveConfig

	// OnClosed fires exactly once, after teardown of the secured stream
	// has completed and all in-flight exchanges have been failed. This is
	// where connection accounting decrements belong.
	OnClosed func()
}

// Session multiplexes logical exchanges over one secured stream.
type Session struct {
	sec    *transport.SecuredSession
	framer *transport.Framer
	cfg    Config

	// Exchange tag generator
	nextExchangeID atomic.Uint32

	// Pending outbound exchanges awaiting responses
	pending   map[uint32]chan *wire.Response
	pendingMu sync.Mutex

	keepAlive *KeepAlive

	// Lifecycle
	started   atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once
	finalOnce sync.Once
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc

	// In-flight handler goroutines
	handlerWG sync.WaitGroup
}

// New wraps a secured session. Call Start to begin serving exchanges.
func New(sec *transport.SecuredSession, cfg Config) *Session {
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = transport.DefaultMaxMessageSize
	}

	framer := transport.NewFramerWithMaxSize(sec.Conn(), cfg.MaxMessageSize)
	if cfg.Logger != nil {
		framer.SetLogger(cfg.Logger, cfg.ConnID)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		sec:     sec,
		framer:  framer,
		cfg:     cfg,
		pending: make(map[uint32]chan *wire.Response),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the read loop and, if configured, keepalive probing.
func (s *Session) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	if s.cfg.KeepAlive != nil {
		s.keepAlive = NewKeepAlive(
			*s.cfg.KeepAlive,
			func(seq uint32) error { return s.sendControl(wire.KindPing, seq) },
			func() {
				s.logError("keepalive timeout", "liveness probing")
				s.initiateClose()
			},
		)
		s.keepAlive.Start(s.ctx)
	}

	go func() {
		s.readLoop()
		s.finalize()
	}()
}

// Done returns a channel closed once teardown has completed, whether the
// close was local or peer-initiated.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Closing reports whether close has been requested. Teardown may still be
// in progress; await Done for completion.
func (s *Session) Closing() bool {
	return s.closing.Load()
}

// Secured returns the underlying secured session handle.
func (s *Session) Secured() *transport.SecuredSession {
	return s.sec
}

// Call issues a logical exchange and waits for its response. Concurrent
// calls interleave on the stream and complete out of order.
//
// Call fails immediately with ErrSessionClosed on a closed session. The
// supplied context bounds the exchange; expiry fails only this exchange,
// never the session or its sibling exchanges.
func (s *Session) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	if s.closing.Load() {
		return nil, ErrSessionClosed
	}

	id := s.nextExchangeID.Add(1)
	if id == 0 {
		// Tag 0 is reserved on the wire; skip it on wraparound.
		id = s.nextExchangeID.Add(1)
	}

	respCh := make(chan *wire.Response, 1)

	s.pendingMu.Lock()
	s.pending[id] = respCh
	s.pendingMu.Unlock()

	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	data, err := wire.EncodeRequest(&wire.Request{
		ExchangeID: id,
		Method:     method,
		Payload:    payload,
	})
	if err != nil {
		return nil, err
	}

	if err := s.framer.WriteFrame(data); err != nil {
		if s.closing.Load() {
			return nil, ErrSessionClosed
		}
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrSessionClosed
		}
		if !resp.IsSuccess() {
			return nil, &StatusError{Status: resp.Status, Message: string(resp.Payload)}
		}
		return resp.Payload, nil
	}
}

// Close requests teardown and waits for it to complete. In-flight exchanges
// are failed with ErrSessionClosed; the peer is sent a close control
// message on a best-effort basis. Safe to call multiple times and
// concurrently with peer-initiated close.
func (s *Session) Close() error {
	s.initiateClose()
	if !s.started.Load() {
		// No read loop to finish teardown; do it inline.
		s.finalize()
	}
	<-s.done
	return nil
}

// initiateClose signals intent: mark closing, tell the peer, unblock the
// read loop by closing the stream. Teardown completes in finalize.
func (s *Session) initiateClose() {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		// Best effort; the peer may already be gone.
		_ = s.sendControl(wire.KindClose, 0)
		_ = s.sec.Close()
	})
}

// finalize completes teardown: stops keepalive, fails every pending
// exchange, then fires OnClosed and closes Done. Runs exactly once, after
// the read loop has exited.
func (s *Session) finalize() {
	s.finalOnce.Do(func() {
		s.closing.Store(true)
		s.cancel()

		if s.keepAlive != nil {
			s.keepAlive.Stop()
		}
		_ = s.sec.Close()

		// Let in-flight handlers finish writing before pulling the rug.
		s.handlerWG.Wait()

		s.pendingMu.Lock()
		for id, ch := range s.pending {
			close(ch)
			delete(s.pending, id)
		}
		s.pendingMu.Unlock()

		s.logState("CONNECTED", "CLOSED")

		if s.cfg.OnClosed != nil {
			s.cfg.OnClosed()
		}
		close(s.done)
	})
}

// readLoop reads frames and dispatches them until the stream fails or a
// close is observed.
func (s *Session) readLoop() {
	for {
		data, err := s.framer.ReadFrame()
		if err != nil {
			if !s.closing.Load() {
				s.logError(err.Error(), "read frame")
			}
			s.initiateClose()
			return
		}

		kind, err := wire.PeekKind(data)
		if err != nil {
			s.logError(err.Error(), "peek message kind")
			continue
		}

		switch kind {
		case wire.KindResponse:
			s.handleResponse(data)

		case wire.KindRequest:
			s.handleRequest(data)

		case wire.KindPing:
			if msg, err := wire.DecodeControlMessage(data); err == nil {
				s.logControl(wire.KindPing, msg.Sequence, log.DirectionIn)
				_ = s.sendControl(wire.KindPong, msg.Sequence)
			}

		case wire.KindPong:
			if msg, err := wire.DecodeControlMessage(data); err == nil {
				s.logControl(wire.KindPong, msg.Sequence, log.DirectionIn)
				if s.keepAlive != nil {
					s.keepAlive.PongReceived(msg.Sequence)
				}
			}

		case wire.KindClose:
			s.logControl(wire.KindClose, 0, log.DirectionIn)
			// Peer-initiated close. Acknowledge and tear down.
			s.initiateClose()
			return
		}
	}
}

// handleResponse delivers a response to its pending exchange.
func (s *Session) handleResponse(data []byte) {
	resp, err := wire.DecodeResponse(data)
	if err != nil {
		s.logError(err.Error(), "decode response")
		return
	}

	s.pendingMu.Lock()
	ch, exists := s.pending[resp.ExchangeID]
	s.pendingMu.Unlock()

	if !exists {
		s.logError(ErrUnexpectedReply.Error(), "match response")
		return
	}

	s.logExchange(resp.ExchangeID, "", resp.Status.String(), log.DirectionIn)

	select {
	case ch <- resp:
	default:
		// Exchange already satisfied or abandoned.
	}
}

// handleRequest serves an incoming exchange in its own goroutine.
func (s *Session) handleRequest(data []byte) {
	req, err := wire.DecodeRequest(data)
	if err != nil {
		s.logError(err.Error(), "decode request")
		return
	}

	s.logExchange(req.ExchangeID, req.Method, "", log.DirectionIn)

	s.handlerWG.Add(1)
	go func() {
		defer s.handlerWG.Done()

		resp := &wire.Response{ExchangeID: req.ExchangeID}

		switch {
		case s.closing.Load():
			resp.Status = wire.StatusShuttingDown
		case s.cfg.Handler == nil:
			resp.Status = wire.StatusUnsupportedMethod
		default:
			resp.Payload, resp.Status = s.cfg.Handler(s.ctx, req.Method, req.Payload)
		}

		out, err := wire.EncodeResponse(resp)
		if err != nil {
			s.logError(err.Error(), "encode response")
			return
		}
		if err := s.framer.WriteFrame(out); err != nil && !s.closing.Load() {
			s.logError(err.Error(), "write response")
		}
	}()
}

// sendControl writes a ping, pong or close frame.
func (s *Session) sendControl(kind wire.Kind, seq uint32) error {
	data, err := wire.EncodeControlMessage(&wire.ControlMessage{Kind: kind, Sequence: seq})
	if err != nil {
		return err
	}
	if err := s.framer.WriteFrame(data); err != nil {
		return err
	}
	s.logControl(kind, seq, log.DirectionOut)
	return nil
}

// logExchange logs a decoded request or response at the session layer.
func (s *Session) logExchange(id uint32, method, status string, direction log.Direction) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.cfg.ConnID,
		Direction:    direction,
		Layer:        log.LayerSession,
		Category:     log.CategoryMessage,
		RemoteAddr:   s.sec.RemoteAddr().String(),
		Exchange:     &log.ExchangeEvent{ExchangeID: id, Method: method, Status: status},
	})
}

// logControl logs a control message event.
func (s *Session) logControl(kind wire.Kind, seq uint32, direction log.Direction) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.cfg.ConnID,
		Direction:    direction,
		Layer:        log.LayerSession,
		Category:     log.CategoryControl,
		RemoteAddr:   s.sec.RemoteAddr().String(),
		ControlMsg:   &log.ControlMsgEvent{Kind: kind.String(), Sequence: seq},
	})
}

// logState logs a state change event.
func (s *Session) logState(oldState, newState string) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.cfg.ConnID,
		Layer:        log.LayerSession,
		Category:     log.CategoryState,
		RemoteAddr:   s.sec.RemoteAddr().String(),
		StateChange:  &log.StateChangeEvent{OldState: oldState, NewState: newState},
	})
}

// logError logs an error event.
func (s *Session) logError(msg, context string) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.cfg.ConnID,
		Layer:        log.LayerSession,
		Category:     log.CategoryError,
		RemoteAddr:   s.sec.RemoteAddr().String(),
		Error:        &log.ErrorEventData{Layer: log.LayerSession, Message: msg, Context: context},
	})
}
