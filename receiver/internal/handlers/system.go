package handlers

import (
	"context"

	"imaging-edge-proxy/shared/events"
)

// Ping replies with a pong echoing the correlation id.
func Ping(emitter Emitter) func(ctx context.Context, ev events.Envelope) error {
	return func(ctx context.Context, ev events.Envelope) error {
		return emitter.Emit(ctx, events.NewPong(ev.WorkspaceID, ev.CorrelationID))
	}
}
