package handlers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"imaging-edge-proxy/receiver/internal/nodes"
	"imaging-edge-proxy/receiver/internal/status"
	"imaging-edge-proxy/shared/cachex"
	"imaging-edge-proxy/shared/events"
	"imaging-edge-proxy/shared/logx"
)

// snapshotTTL keeps mirrors fresh enough to outlive a restart without
// going stale forever if the proxy dies.
const snapshotTTL = 24 * time.Hour

// Knobs are the runtime settings config_changed can adjust. Nil
// callbacks mean the knob is fixed for this deployment.
type Knobs struct {
	AnonymizationEnabled func(bool)
	RetryPolicy          func(max int, delay time.Duration)
}

// Control handles backend-driven configuration events. The in-memory
// state is applied synchronously so later events observe it; the Redis
// mirror is written on its own goroutine and is best-effort, a failed
// write only costs the mirror.
type Control struct {
	log      logx.Logger
	registry *nodes.Registry
	tracker  *status.Tracker
	snaps    Snapshotter
	knobs    Knobs
	wg       sync.WaitGroup
}

func NewControl(log logx.Logger, registry *nodes.Registry, tracker *status.Tracker, snaps Snapshotter, knobs Knobs) *Control {
	return &Control{
		log:      log,
		registry: registry,
		tracker:  tracker,
		snaps:    snaps,
		knobs:    knobs,
	}
}

// Wait blocks until spawned snapshot writes finish.
func (c *Control) Wait() {
	c.wg.Wait()
}

// snapshot mirrors a state document to Redis without holding up the
// event handler.
func (c *Control) snapshot(ctx context.Context, key string, value any, what string) {
	if c.snaps == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.snaps.SetJSON(ctx, key, value, snapshotTTL); err != nil {
			c.log.Warn(ctx, "snapshot_failed", "could not persist "+what,
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (c *Control) NodesChanged(ctx context.Context, ev events.Envelope) error {
	var payload events.NodesChangedPayload
	if err := ev.DecodePayload(&payload); err != nil {
		return err
	}
	c.registry.Apply(payload.ChangedAction, payload.Nodes)

	active, total := c.registry.Counts()
	c.log.Info(ctx, "nodes_changed", "node registry updated",
		slog.String("action", payload.ChangedAction),
		slog.Int("nodes_active", active),
		slog.Int("nodes_total", total),
	)

	c.snapshot(ctx, cachex.KeyNodeRegistry, c.registry.Snapshot(), "node registry snapshot")
	return nil
}

func (c *Control) StatusChanged(ctx context.Context, ev events.Envelope) error {
	var payload events.StatusChangedPayload
	if err := ev.DecodePayload(&payload); err != nil {
		return err
	}

	if payload.NewStatus != "" {
		c.tracker.Set(payload.NewStatus, payload.Reason)
	} else {
		c.tracker.SetActive(payload.IsActive, payload.Reason)
	}

	current, reason := c.tracker.Snapshot()
	c.log.Info(ctx, "status_changed", "proxy status updated",
		slog.String("status", current),
		slog.String("reason", reason),
	)

	c.snapshot(ctx, cachex.KeyProxyStatus, map[string]string{
		"status": current,
		"reason": reason,
	}, "proxy status")
	return nil
}

func (c *Control) ConfigChanged(ctx context.Context, ev events.Envelope) error {
	var payload events.ConfigChangedPayload
	if err := ev.DecodePayload(&payload); err != nil {
		return err
	}

	if payload.AnonymizationEnabled != nil && c.knobs.AnonymizationEnabled != nil {
		c.knobs.AnonymizationEnabled(*payload.AnonymizationEnabled)
		c.log.Info(ctx, "config_changed", "anonymization toggled",
			slog.Bool("enabled", *payload.AnonymizationEnabled),
		)
	}
	if c.knobs.RetryPolicy != nil && (payload.DownloadRetryMax != nil || payload.DownloadRetryDelay != nil) {
		max, delay := 0, time.Duration(0)
		if payload.DownloadRetryMax != nil {
			max = *payload.DownloadRetryMax
		}
		if payload.DownloadRetryDelay != nil {
			delay = time.Duration(*payload.DownloadRetryDelay) * time.Second
		}
		c.knobs.RetryPolicy(max, delay)
		c.log.Info(ctx, "config_changed", "download retry policy updated",
			slog.Int("retry_max", max),
			slog.Int64("retry_delay_seconds", int64(delay/time.Second)),
		)
	}

	c.snapshot(ctx, cachex.KeyProxyConfig, payload, "config snapshot")
	return nil
}
