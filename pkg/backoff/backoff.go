// Package backoff provides exponential backoff with jitter for reconnect
// loops. Retry is a caller concern: the transport and session layers never
// redial on their own.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// Default backoff parameters.
const (
	// InitialDelay is the initial reconnection delay.
	InitialDelay = 1 * time.Second

	// MaxDelay is the maximum reconnection delay.
	MaxDelay = 60 * time.Second

	// Multiplier is the factor by which the delay increases.
	Multiplier = 2.0

	// JitterFactor is the maximum jitter as a fraction of the base delay.
	JitterFactor = 0.25
)

// Backoff calculates exponential backoff delays with jitter.
type Backoff struct {
	mu sync.Mutex

	// Current delay (before jitter)
	current time.Duration

	// Configuration
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64

	// Attempt counter
	attempts int

	// Random source for jitter
	rng *rand.Rand
}

// Config allows customizing backoff parameters.
type Config struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// New creates a backoff calculator with default settings.
func New() *Backoff {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a backoff calculator with custom settings.
func NewWithConfig(cfg Config) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = InitialDelay
	}
	if cfg.Max <= 0 {
		cfg.Max = MaxDelay
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = Multiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}

	return &Backoff{
		current:    cfg.Initial,
		initial:    cfg.Initial,
		max:        cfg.Max,
		multiplier: cfg.Multiplier,
		jitter:     cfg.Jitter,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the next delay (with jitter) and advances the backoff.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.addJitter(b.current)

	b.attempts++
	next := time.Duration(float64(b.current) * b.multiplier)
	if next > b.max {
		next = b.max
	}
	b.current = next

	return delay
}

// Reset resets the backoff to initial values.
// Call this after a successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.initial
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Current returns the current base delay (without jitter).
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// addJitter adds random jitter to a delay.
func (b *Backoff) addJitter(d time.Duration) time.Duration {
	if b.jitter <= 0 {
		return d
	}
	jitterAmount := time.Duration(float64(d) * b.jitter * b.rng.Float64())
	return d + jitterAmount
}
