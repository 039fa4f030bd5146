package events

import (
	"context"

	"github.com/rs/zerolog"
)

// Sink delivers one event to a front-end.
type Sink func(ctx context.Context, ev Event) error

// Forward drains q into sink in emission order until the queue is closed and
// empty or ctx ends. Sink errors are logged and forwarding continues.
func Forward(ctx context.Context, q *Queue, sink Sink, logger zerolog.Logger) int {
	forwarded := 0
	for {
		ev, ok := q.Get(ctx)
		if !ok {
			logger.Debug().
				Str("session_id", q.SessionID()).
				Int("forwarded", forwarded).
				Msg("Event forwarding finished")
			return forwarded
		}

		if err := sink(ctx, ev); err != nil {
			logger.Warn().
				Err(err).
				Str("session_id", q.SessionID()).
				Str("event_type", string(ev.Type)).
				Msg("Failed to forward event")
			continue
		}
		forwarded++
	}
}
