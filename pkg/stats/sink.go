package stats

// Sink receives gauge mutations from the transport. *Registry is the
// canonical implementation; applications may supply their own to export
// counts into an external statistics system.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	// Increment adds one to the gauge at path.
	Increment(path ...string)

	// Decrement subtracts one from the gauge at path.
	Decrement(path ...string)

	// Read returns the current value of the gauge at path. A path that was
	// never incremented reads as 0.
	Read(path ...string) int64
}

// NopSink discards all mutations and reads as zero. Use when statistics are
// disabled.
type NopSink struct{}

// Increment discards the mutation.
func (NopSink) Increment(...string) {}

// Decrement discards the mutation.
func (NopSink) Decrement(...string) {}

// Read returns 0.
func (NopSink) Read(...string) int64 { return 0 }

// Compile-time interface satisfaction check.
var _ Sink = NopSink{}
