package handlers

import (
	"context"
	"log/slog"
	"sync"

	"imaging-edge-proxy/receiver/internal/models"
	"imaging-edge-proxy/shared/events"
	"imaging-edge-proxy/shared/logx"
)

// CatalogWriter is the slice of the catalog repo the intake step needs.
type CatalogWriter interface {
	UpsertSession(ctx context.Context, s models.Session) error
	UpsertScan(ctx context.Context, s models.Scan) error
}

// Intake records dispatched entities in the local catalog before the
// dispatch pipeline runs, so later deletion events have rows to
// cascade. Catalog writes are best-effort, run on their own goroutine
// and never block a dispatch.
type Intake struct {
	log     logx.Logger
	catalog CatalogWriter
	wg      sync.WaitGroup
}

func NewIntake(log logx.Logger, catalog CatalogWriter) *Intake {
	return &Intake{log: log, catalog: catalog}
}

// Wait blocks until spawned catalog writes finish.
func (i *Intake) Wait() {
	i.wg.Wait()
}

// Wrap returns a handler that records the dispatched entity and then
// forwards the event to next.
func (i *Intake) Wrap(next func(ctx context.Context, ev events.Envelope) error) func(ctx context.Context, ev events.Envelope) error {
	return func(ctx context.Context, ev events.Envelope) error {
		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			i.record(ctx, ev)
		}()
		return next(ctx, ev)
	}
}

func (i *Intake) record(ctx context.Context, ev events.Envelope) {
	var p events.DispatchPayload
	if err := ev.DecodePayload(&p); err != nil {
		return
	}
	switch ev.EntityType {
	case events.EntitySession:
		i.upsertSession(ctx, ev.WorkspaceID, ev.EntityID, p)
	case events.EntityScan:
		if p.SessionID != "" {
			i.upsertSession(ctx, ev.WorkspaceID, p.SessionID, p)
		}
		err := i.catalog.UpsertScan(ctx, models.Scan{
			ScanID:           ev.EntityID,
			SessionID:        p.SessionID,
			WorkspaceID:      ev.WorkspaceID,
			ScanNumber:       p.ScanNumber,
			StudyInstanceUID: p.StudyInstanceUID,
		})
		if err != nil {
			i.log.Warn(ctx, "catalog_upsert_failed", "scan upsert failed",
				slog.String("scan_id", ev.EntityID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (i *Intake) upsertSession(ctx context.Context, workspaceID string, sessionID string, p events.DispatchPayload) {
	err := i.catalog.UpsertSession(ctx, models.Session{
		SessionID:   sessionID,
		SubjectID:   p.SubjectID,
		WorkspaceID: workspaceID,
		Label:       p.SessionLabel,
	})
	if err != nil {
		i.log.Warn(ctx, "catalog_upsert_failed", "session upsert failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}
