package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"imaging-edge-proxy/shared/events"
	"imaging-edge-proxy/shared/logx"
)

// Deletion handles session.deleted and scan.deleted. Deletions are
// idempotent: an entity that is already gone counts as success. The
// catalog and file work runs on its own goroutine so a slow database
// never stalls the connection read loop.
type Deletion struct {
	log     logx.Logger
	catalog Catalog
	files   Files
	wg      sync.WaitGroup
}

func NewDeletion(log logx.Logger, catalog Catalog, files Files) *Deletion {
	return &Deletion{log: log, catalog: catalog, files: files}
}

// Wait blocks until spawned deletion work finishes.
func (d *Deletion) Wait() {
	d.wg.Wait()
}

func (d *Deletion) spawn(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

func (d *Deletion) SessionDeleted(ctx context.Context, ev events.Envelope) error {
	var payload events.SessionDeletedPayload
	if err := ev.DecodePayload(&payload); err != nil {
		return err
	}
	d.spawn(func() {
		if err := d.deleteSession(ctx, ev.WorkspaceID, ev.EntityID); err != nil {
			d.log.Error(ctx, "session_delete_failed", "session deletion failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("session_id", ev.EntityID),
				slog.String("error", err.Error()),
			)
		}
	})
	return nil
}

func (d *Deletion) deleteSession(ctx context.Context, workspaceID string, sessionID string) error {
	scans, err := d.catalog.ListScansBySession(ctx, workspaceID, sessionID)
	if err != nil {
		return fmt.Errorf("list scans for session %s: %w", sessionID, err)
	}

	deleted, err := d.catalog.DeleteSession(ctx, workspaceID, sessionID)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}

	if err := d.files.RemoveEntityDir(events.EntitySession, sessionID); err != nil {
		d.log.Warn(ctx, "file_removal_failed", "could not remove session files",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
	for _, scan := range scans {
		if err := d.files.RemoveEntityDir(events.EntityScan, scanDirID(scan.StudyInstanceUID, scan.ScanNumber)); err != nil {
			d.log.Warn(ctx, "file_removal_failed", "could not remove scan files",
				slog.String("study_instance_uid", scan.StudyInstanceUID),
				slog.Int("scan_number", scan.ScanNumber),
				slog.String("error", err.Error()),
			)
		}
	}

	d.log.Info(ctx, "session_deleted", "session deletion processed",
		slog.String("session_id", sessionID),
		slog.Bool("row_removed", deleted),
		slog.Int("scans_cascaded", len(scans)),
	)
	return nil
}

func (d *Deletion) ScanDeleted(ctx context.Context, ev events.Envelope) error {
	var payload events.ScanDeletedPayload
	if err := ev.DecodePayload(&payload); err != nil {
		return err
	}
	d.spawn(func() {
		if err := d.deleteScan(ctx, ev.WorkspaceID, payload); err != nil {
			d.log.Error(ctx, "scan_delete_failed", "scan deletion failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("study_instance_uid", payload.StudyInstanceUID),
				slog.Int("scan_number", payload.ScanNumber),
				slog.String("error", err.Error()),
			)
		}
	})
	return nil
}

func (d *Deletion) deleteScan(ctx context.Context, workspaceID string, payload events.ScanDeletedPayload) error {
	deleted, err := d.catalog.DeleteScan(ctx, workspaceID, payload.StudyInstanceUID, payload.ScanNumber)
	if err != nil {
		return fmt.Errorf("delete scan %s/%d: %w", payload.StudyInstanceUID, payload.ScanNumber, err)
	}

	if err := d.files.RemoveEntityDir(events.EntityScan, scanDirID(payload.StudyInstanceUID, payload.ScanNumber)); err != nil {
		d.log.Warn(ctx, "file_removal_failed", "could not remove scan files",
			slog.String("study_instance_uid", payload.StudyInstanceUID),
			slog.String("error", err.Error()),
		)
	}

	d.log.Info(ctx, "scan_deleted", "scan deletion processed",
		slog.String("study_instance_uid", payload.StudyInstanceUID),
		slog.Int("scan_number", payload.ScanNumber),
		slog.Bool("row_removed", deleted),
	)
	return nil
}

func scanDirID(studyInstanceUID string, scanNumber int) string {
	return fmt.Sprintf("%s_%d", studyInstanceUID, scanNumber)
}
