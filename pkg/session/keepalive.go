package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Keepalive constants.
const (
	// DefaultPingInterval is the default interval between pings.
	DefaultPingInterval = 30 * time.Second

	// DefaultPongTimeout is the default timeout waiting for a pong response.
	DefaultPongTimeout = 5 * time.Second

	// DefaultMaxMissedPongs is the default number of missed pongs before
	// the session is considered dead.
	DefaultMaxMissedPongs = 3
)

// KeepAliveConfig configures liveness probing.
type KeepAliveConfig struct {
	// PingInterval is the interval between pings.
	PingInterval time.Duration

	// PongTimeout is the timeout waiting for a pong response.
	PongTimeout time.Duration

	// MaxMissedPongs is the number of missed pongs before disconnect.
	MaxMissedPongs int
}

// DefaultKeepAliveConfig returns the default keepalive configuration.
func DefaultKeepAliveConfig() KeepAliveConfig {
	return KeepAliveConfig{
		PingInterval:   DefaultPingInterval,
		PongTimeout:    DefaultPongTimeout,
		MaxMissedPongs: DefaultMaxMissedPongs,
	}
}

// DetectionDelay calculates the maximum time to detect a dead peer with
// this configuration.
func (c KeepAliveConfig) DetectionDelay() time.Duration {
	return c.PingInterval*time.Duration(c.MaxMissedPongs) + c.PongTimeout
}

// KeepAlive manages session liveness monitoring.
type KeepAlive struct {
	config KeepAliveConfig

	// Callbacks
	sendPing  func(seq uint32) error
	onTimeout func()

	// State
	sequence     atomic.Uint32
	missedPongs  int
	lastPingTime time.Time
	pendingPing  uint32
	hasPending   bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	pongCh  chan uint32
}

// NewKeepAlive creates a new keepalive manager.
func NewKeepAlive(config KeepAliveConfig, sendPing func(seq uint32) error, onTimeout func()) *KeepAlive {
	if config.PingInterval == 0 {
		config.PingInterval = DefaultPingInterval
	}
	if config.PongTimeout == 0 {
		config.PongTimeout = DefaultPongTimeout
	}
	if config.MaxMissedPongs == 0 {
		config.MaxMissedPongs = DefaultMaxMissedPongs
	}

	return &KeepAlive{
		config:    config,
		sendPing:  sendPing,
		onTimeout: onTimeout,
		stopCh:    make(chan struct{}),
		pongCh:    make(chan uint32, 1),
	}
}

// Start begins the keepalive monitoring loop.
func (ka *KeepAlive) Start(ctx context.Context) {
	ka.mu.Lock()
	if ka.running {
		ka.mu.Unlock()
		return
	}
	ka.running = true
	ka.stopCh = make(chan struct{})
	ka.mu.Unlock()

	go ka.loop(ctx)
}

// Stop stops the keepalive monitoring.
func (ka *KeepAlive) Stop() {
	ka.mu.Lock()
	defer ka.mu.Unlock()

	if !ka.running {
		return
	}

	ka.running = false
	close(ka.stopCh)
}

// PongReceived should be called when a pong message is received.
func (ka *KeepAlive) PongReceived(seq uint32) {
	select {
	case ka.pongCh <- seq:
	default:
		// Channel full, drop (shouldn't happen in practice)
	}
}

// IsRunning returns true if keepalive monitoring is active.
func (ka *KeepAlive) IsRunning() bool {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.running
}

// loop is the main keepalive monitoring loop.
func (ka *KeepAlive) loop(ctx context.Context) {
	ticker := time.NewTicker(ka.config.PingInterval)
	defer ticker.Stop()

	// Send initial ping
	ka.sendPingMessage()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ka.stopCh:
			return
		case <-ticker.C:
			ka.handleTick()
		case seq := <-ka.pongCh:
			ka.handlePong(seq)
		}
	}
}

// sendPingMessage sends a ping and records the time.
func (ka *KeepAlive) sendPingMessage() {
	seq := ka.sequence.Add(1)

	ka.mu.Lock()
	ka.lastPingTime = time.Now()
	ka.pendingPing = seq
	ka.hasPending = true
	ka.mu.Unlock()

	if err := ka.sendPing(seq); err != nil {
		// Send failed - connection is likely dead.
		// Let the pong timeout handle it.
		ka.mu.Lock()
		ka.hasPending = false
		ka.missedPongs++
		ka.mu.Unlock()
	}
}

// handleTick handles the ping interval tick.
func (ka *KeepAlive) handleTick() {
	ka.mu.Lock()

	if ka.hasPending {
		elapsed := time.Since(ka.lastPingTime)
		if elapsed >= ka.config.PongTimeout {
			// Pong not received in time
			ka.missedPongs++
			ka.hasPending = false
		}
	}

	if ka.missedPongs >= ka.config.MaxMissedPongs {
		// Session considered dead
		ka.mu.Unlock()
		if ka.onTimeout != nil {
			ka.onTimeout()
		}
		return
	}

	ka.mu.Unlock()

	// Send next ping
	ka.sendPingMessage()
}

// handlePong handles a received pong.
func (ka *KeepAlive) handlePong(seq uint32) {
	ka.mu.Lock()
	defer ka.mu.Unlock()

	// Check if this pong matches our pending ping; ignore pongs with a
	// wrong sequence (could be delayed from a previous ping).
	if ka.hasPending && seq == ka.pendingPing {
		ka.hasPending = false
		ka.missedPongs = 0
	}
}
