// Package log captures structured transport events: frames, exchanges,
// connection state changes, control messages and errors.
package log

// Logger is the interface applications implement to receive transport
// log events. Pass nil or NoopLogger to disable logging.
type Logger interface {
	// Log records a transport event. Implementations must be thread-safe.
	// The event should be processed quickly or queued; blocking affects
	// connection throughput.
	Log(event Event)
}

// NoopLogger discards all events. Use when logging is disabled.
// NoopLogger is safe for concurrent use and usable as a zero value.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// Func adapts a plain function to the Logger interface.
type Func func(event Event)

// Log calls f.
func (f Func) Log(event Event) { f(event) }

// Compile-time interface satisfaction checks.
var (
	_ Logger = NoopLogger{}
	_ Logger = Func(nil)
)
