package conn

import (
	"context"
	"errors"
	"log/slog"

	"imaging-edge-proxy/shared/events"
	"imaging-edge-proxy/shared/logx"
	"imaging-edge-proxy/shared/metricsx"
)

// Handler processes one inbound event. Returned errors are logged and
// never tear down the connection.
type Handler func(ctx context.Context, ev events.Envelope) error

// Router looks up handlers by event type. Registration happens once at
// startup, routing is read-only afterwards.
type Router struct {
	log      logx.Logger
	handlers map[string]Handler
}

func NewRouter(log logx.Logger) *Router {
	return &Router{
		log:      log,
		handlers: make(map[string]Handler),
	}
}

func (r *Router) Handle(eventType string, h Handler) {
	r.handlers[eventType] = h
}

// Route decodes and dispatches one raw frame. Malformed frames and
// unknown event types are logged and dropped.
func (r *Router) Route(ctx context.Context, raw []byte) {
	ev, err := events.Decode(raw)
	if err != nil {
		if errors.Is(err, events.ErrDecode) {
			r.log.Warn(ctx, "event_decode_failed", "dropping malformed event",
				slog.String("error", err.Error()),
			)
			return
		}
		r.log.Warn(ctx, "event_decode_failed", "dropping unreadable frame",
			slog.String("error", err.Error()),
		)
		return
	}
	metricsx.IncEventInbound(ev.EventType)

	handler, ok := r.handlers[ev.EventType]
	if !ok {
		r.log.Info(ctx, "event_ignored", "no handler for event type",
			slog.String("event_type", ev.EventType),
			slog.String("correlation_id", ev.CorrelationID),
		)
		return
	}
	if err := handler(ctx, ev); err != nil {
		r.log.Error(ctx, "handler_failed", "event handler returned error",
			slog.String("error_code", "HANDLER_FAILED"),
			slog.String("event_type", ev.EventType),
			slog.String("correlation_id", ev.CorrelationID),
			slog.String("error", err.Error()),
		)
	}
}
