package handlers

import (
	"context"
	"errors"
	"testing"

	"imaging-edge-proxy/receiver/internal/models"
	"imaging-edge-proxy/shared/events"
)

type fakeCatalogWriter struct {
	sessions []models.Session
	scans    []models.Scan
	fail     bool
}

func (c *fakeCatalogWriter) UpsertSession(_ context.Context, s models.Session) error {
	if c.fail {
		return errors.New("db down")
	}
	c.sessions = append(c.sessions, s)
	return nil
}

func (c *fakeCatalogWriter) UpsertScan(_ context.Context, s models.Scan) error {
	if c.fail {
		return errors.New("db down")
	}
	c.scans = append(c.scans, s)
	return nil
}

func TestIntakeRecordsSessionDispatch(t *testing.T) {
	writer := &fakeCatalogWriter{}
	intake := NewIntake(testLog, writer)

	forwarded := false
	h := intake.Wrap(func(ctx context.Context, ev events.Envelope) error {
		forwarded = true
		return nil
	})

	ev := envelope(events.TypeSessionDisp, events.EntitySession, "sess_1", events.DispatchPayload{
		SubjectID:    "subj_1",
		SessionLabel: "MR day 1",
		Nodes:        []string{"node_1"},
	})
	if err := h(context.Background(), ev); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !forwarded {
		t.Fatal("dispatch handler was not called")
	}
	intake.Wait()
	if len(writer.sessions) != 1 {
		t.Fatalf("sessions recorded = %d, want 1", len(writer.sessions))
	}
	s := writer.sessions[0]
	if s.SessionID != "sess_1" || s.SubjectID != "subj_1" || s.Label != "MR day 1" || s.WorkspaceID != "ws_1" {
		t.Fatalf("unexpected session row: %+v", s)
	}
	if len(writer.scans) != 0 {
		t.Fatalf("scans recorded = %d, want 0", len(writer.scans))
	}
}

func TestIntakeRecordsScanDispatchWithParentSession(t *testing.T) {
	writer := &fakeCatalogWriter{}
	intake := NewIntake(testLog, writer)
	h := intake.Wrap(func(ctx context.Context, ev events.Envelope) error { return nil })

	ev := envelope(events.TypeScanDisp, events.EntityScan, "scan_9", events.DispatchPayload{
		SubjectID:        "subj_1",
		SessionID:        "sess_1",
		ScanNumber:       4,
		StudyInstanceUID: "1.2.840.1.5",
		Nodes:            []string{"node_1"},
	})
	if err := h(context.Background(), ev); err != nil {
		t.Fatalf("handler: %v", err)
	}
	intake.Wait()
	if len(writer.sessions) != 1 || writer.sessions[0].SessionID != "sess_1" {
		t.Fatalf("parent session not recorded: %+v", writer.sessions)
	}
	if len(writer.scans) != 1 {
		t.Fatalf("scans recorded = %d, want 1", len(writer.scans))
	}
	sc := writer.scans[0]
	if sc.ScanID != "scan_9" || sc.ScanNumber != 4 || sc.StudyInstanceUID != "1.2.840.1.5" || sc.SessionID != "sess_1" {
		t.Fatalf("unexpected scan row: %+v", sc)
	}
}

func TestIntakeCatalogFailureStillDispatches(t *testing.T) {
	writer := &fakeCatalogWriter{fail: true}
	intake := NewIntake(testLog, writer)

	forwarded := false
	h := intake.Wrap(func(ctx context.Context, ev events.Envelope) error {
		forwarded = true
		return nil
	})
	ev := envelope(events.TypeSessionDisp, events.EntitySession, "sess_1", events.DispatchPayload{
		Nodes: []string{"node_1"},
	})
	if err := h(context.Background(), ev); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !forwarded {
		t.Fatal("catalog failure must not block dispatch")
	}
	intake.Wait()
}
