package log

import (
	"github.com/rs/zerolog"
)

// ZerologAdapter writes transport events to a zerolog.Logger.
type ZerologAdapter struct {
	logger zerolog.Logger
}

// NewZerologAdapter creates a new ZerologAdapter that writes to the given
// zerolog.Logger.
func NewZerologAdapter(logger zerolog.Logger) *ZerologAdapter {
	return &ZerologAdapter{logger: logger}
}

// Log writes the event to the zerolog logger at Debug level.
func (a *ZerologAdapter) Log(event Event) {
	ev := a.logger.Debug().
		Str("conn_id", event.ConnectionID).
		Str("direction", event.Direction.String()).
		Str("layer", event.Layer.String()).
		Str("category", event.Category.String())

	if event.RemoteAddr != "" {
		ev = ev.Str("remote_addr", event.RemoteAddr)
	}

	switch {
	case event.Frame != nil:
		ev = ev.Int("frame_size", event.Frame.Size).
			Bool("truncated", event.Frame.Truncated)
	case event.Exchange != nil:
		ev = ev.Uint32("exchange_id", event.Exchange.ExchangeID)
		if event.Exchange.Method != "" {
			ev = ev.Str("method", event.Exchange.Method)
		}
		if event.Exchange.Status != "" {
			ev = ev.Str("status", event.Exchange.Status)
		}
	case event.StateChange != nil:
		ev = ev.Str("old_state", event.StateChange.OldState).
			Str("new_state", event.StateChange.NewState)
		if event.StateChange.Reason != "" {
			ev = ev.Str("reason", event.StateChange.Reason)
		}
	case event.ControlMsg != nil:
		ev = ev.Str("ctrl_kind", event.ControlMsg.Kind)
	case event.Error != nil:
		ev = ev.Str("error_layer", event.Error.Layer.String()).
			Str("error_msg", event.Error.Message)
		if event.Error.Context != "" {
			ev = ev.Str("error_context", event.Error.Context)
		}
	}

	ev.Msg("transport")
}

// Compile-time interface satisfaction check.
var _ Logger = (*ZerologAdapter)(nil)
