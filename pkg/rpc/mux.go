package rpc

import (
	"context"
	"sync"

	"github.com/Ceponce/finagle/pkg/wire"
)

// QueryMethod is the canonical example operation: a string in, a string out.
const QueryMethod = "query"

// MethodFunc handles one method. A returned error fails only the exchange
// that invoked it.
type MethodFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Mux dispatches exchanges to method handlers by name.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]MethodFunc
}

// NewMux creates an empty method mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]MethodFunc)}
}

// Handle registers a handler for a method name, replacing any previous one.
func (m *Mux) Handle(method string, fn MethodFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = fn
}

// HandleQuery registers a string-in/string-out handler for the query method.
func (m *Mux) HandleQuery(fn func(ctx context.Context, request string) (string, error)) {
	m.Handle(QueryMethod, func(ctx context.Context, payload []byte) ([]byte, error) {
		reply, err := fn(ctx, string(payload))
		if err != nil {
			return nil, err
		}
		return []byte(reply), nil
	})
}

// Serve is a session handler routing exchanges through the mux.
func (m *Mux) Serve(ctx context.Context, method string, payload []byte) ([]byte, wire.Status) {
	m.mu.RLock()
	fn, ok := m.handlers[method]
	m.mu.RUnlock()

	if !ok {
		return []byte("unknown method: " + method), wire.StatusUnsupportedMethod
	}

	reply, err := fn(ctx, payload)
	if err != nil {
		return []byte(err.Error()), wire.StatusError
	}
	return reply, wire.StatusOK
}
