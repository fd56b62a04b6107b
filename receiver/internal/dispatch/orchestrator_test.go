package dispatch

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"imaging-edge-proxy/receiver/internal/content"
	"imaging-edge-proxy/receiver/internal/imaging"
	"imaging-edge-proxy/receiver/internal/models"
	"imaging-edge-proxy/receiver/internal/nodes"
	"imaging-edge-proxy/receiver/internal/status"
	"imaging-edge-proxy/receiver/internal/storage"
	"imaging-edge-proxy/shared/events"
	"imaging-edge-proxy/shared/logx"
	"imaging-edge-proxy/shared/workflow"
)

type fakeDownloader struct {
	mu        sync.Mutex
	calls     int
	failTimes int
	failWith  error
	block     chan struct{}
}

func (d *fakeDownloader) DownloadArchive(ctx context.Context, entityType string, entityID string, destPath string) error {
	d.mu.Lock()
	d.calls++
	calls := d.calls
	d.mu.Unlock()
	if d.block != nil {
		<-d.block
	}
	if calls <= d.failTimes {
		return d.failWith
	}
	return writeTestZip(destPath)
}

func (d *fakeDownloader) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func writeTestZip(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := zip.NewWriter(f)
	for _, name := range []string{"0001.dcm", "0002.dcm"} {
		entry, err := w.Create(name)
		if err != nil {
			return err
		}
		if _, err := entry.Write([]byte("data")); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	return f.Close()
}

type fakeSender struct {
	mu       sync.Mutex
	sent     [][]string
	failPath string
}

func (s *fakeSender) Send(_ context.Context, _ models.Node, files []string) []imaging.FileOutcome {
	s.mu.Lock()
	s.sent = append(s.sent, files)
	s.mu.Unlock()
	outcomes := make([]imaging.FileOutcome, 0, len(files))
	for _, f := range files {
		var err error
		if s.failPath != "" && f == s.failPath {
			err = errors.New("store refused")
		}
		outcomes = append(outcomes, imaging.FileOutcome{Path: f, Err: err})
	}
	return outcomes
}

func (s *fakeSender) Echo(context.Context, models.Node) error { return nil }

type captureEmitter struct {
	mu     sync.Mutex
	events []events.Envelope
}

func (e *captureEmitter) Emit(_ context.Context, ev events.Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *captureEmitter) statuses(t *testing.T) []events.DispatchStatusPayload {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []events.DispatchStatusPayload
	for _, ev := range e.events {
		var p events.DispatchStatusPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatalf("decode status payload: %v", err)
		}
		out = append(out, p)
	}
	return out
}

func testRegistry(active ...string) *nodes.Registry {
	r := nodes.NewRegistry()
	specs := []events.NodeSpec{
		{NodeID: "node_1", IsActive: true, StoragePath: "/tmp/node_1"},
		{NodeID: "node_2", IsActive: false, StoragePath: "/tmp/node_2"},
	}
	for _, id := range active {
		specs = append(specs, events.NodeSpec{NodeID: id, IsActive: true})
	}
	r.Apply(nodes.ActionAdded, specs)
	return r
}

func newTestOrchestrator(t *testing.T, dl Downloader, sender imaging.Sender, tracker *status.Tracker) (*Orchestrator, *captureEmitter) {
	t.Helper()
	emitter := &captureEmitter{}
	if tracker == nil {
		tracker = status.NewTracker()
	}
	o := NewOrchestrator(Options{
		MaxConcurrent: 4,
		NodeMaxSends:  2,
		RetryMax:      3,
		RetryDelay:    time.Millisecond,
	}, Deps{
		Log:        logx.New("test", "test", "", "error"),
		Registry:   testRegistry(),
		Tracker:    tracker,
		Layout:     storage.NewLayout(t.TempDir()),
		Downloader: dl,
		Sender:     sender,
		Emitter:    emitter,
	})
	return o, emitter
}

func dispatchEvent(nodeIDs ...string) events.Envelope {
	payload, _ := json.Marshal(events.DispatchPayload{SessionID: "sess_456", Nodes: nodeIDs})
	return events.Envelope{
		EventType:     events.TypeSessionDisp,
		WorkspaceID:   "ws_1",
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		CorrelationID: "corr_abc123def456",
		EntityType:    events.EntitySession,
		EntityID:      "sess_456",
		Payload:       payload,
	}
}

func waitDone(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Wait(ctx); err != nil {
		t.Fatalf("tasks did not drain: %v", err)
	}
}

func TestDispatchCompletesInOrder(t *testing.T) {
	o, emitter := newTestOrchestrator(t, &fakeDownloader{}, &fakeSender{}, nil)

	if err := o.Dispatch(context.Background(), dispatchEvent("node_1")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitDone(t, o)

	statuses := emitter.statuses(t)
	want := []string{
		workflow.StatePending,
		workflow.StateDownloading,
		workflow.StateExtracting,
		workflow.StateSending,
		workflow.StateCompleted,
	}
	if len(statuses) != len(want) {
		t.Fatalf("expected %d status events, got %+v", len(want), statuses)
	}
	for i, s := range statuses {
		if s.Status != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], s.Status)
		}
		if s.NodeID != "node_1" {
			t.Fatalf("event %d: expected node_1, got %s", i, s.NodeID)
		}
	}
	final := statuses[len(statuses)-1]
	if final.FilesSent != 2 || final.FilesTotal != 2 || final.Progress != 100 {
		t.Fatalf("unexpected terminal payload %+v", final)
	}
	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	for _, ev := range emitter.events {
		if ev.CorrelationID != "corr_abc123def456" {
			t.Fatalf("status must echo the originating correlation id, got %s", ev.CorrelationID)
		}
	}
	if o.locks.Count() != 0 {
		t.Fatalf("expected all locks released")
	}
}

func TestDispatchDropsUnmanagedAndInactiveNodes(t *testing.T) {
	o, emitter := newTestOrchestrator(t, &fakeDownloader{}, &fakeSender{}, nil)

	// node_2 is inactive, node_9 is unknown: nothing should run.
	if err := o.Dispatch(context.Background(), dispatchEvent("node_2", "node_9")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitDone(t, o)

	if got := emitter.statuses(t); len(got) != 0 {
		t.Fatalf("expected no status events, got %+v", got)
	}
}

func TestDispatchDuplicateInFlightIsNoop(t *testing.T) {
	block := make(chan struct{})
	dl := &fakeDownloader{block: block}
	o, emitter := newTestOrchestrator(t, dl, &fakeSender{}, nil)

	if err := o.Dispatch(context.Background(), dispatchEvent("node_1")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	// Second identical dispatch while the first is still downloading.
	if err := o.Dispatch(context.Background(), dispatchEvent("node_1")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	close(block)
	waitDone(t, o)

	if dl.callCount() != 1 {
		t.Fatalf("expected 1 download, got %d", dl.callCount())
	}
	statuses := emitter.statuses(t)
	completed := 0
	for _, s := range statuses {
		if s.Status == workflow.StateCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("expected exactly 1 completed task, got %d", completed)
	}
}

func TestDispatchRefusedWhilePaused(t *testing.T) {
	tracker := status.NewTracker()
	tracker.Set(status.StatusPaused, "maintenance")
	o, emitter := newTestOrchestrator(t, &fakeDownloader{}, &fakeSender{}, tracker)

	if err := o.Dispatch(context.Background(), dispatchEvent("node_1")); !errors.Is(err, ErrProxyPaused) {
		t.Fatalf("expected ErrProxyPaused, got %v", err)
	}
	waitDone(t, o)
	if got := emitter.statuses(t); len(got) != 0 {
		t.Fatalf("expected no status events while paused, got %+v", got)
	}
}

func TestDownloadRetriesTransientErrors(t *testing.T) {
	dl := &fakeDownloader{failTimes: 2, failWith: fmt.Errorf("%w: status 503", content.ErrTransient)}
	o, emitter := newTestOrchestrator(t, dl, &fakeSender{}, nil)

	if err := o.Dispatch(context.Background(), dispatchEvent("node_1")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitDone(t, o)

	if dl.callCount() != 3 {
		t.Fatalf("expected 3 download attempts, got %d", dl.callCount())
	}
	statuses := emitter.statuses(t)
	if statuses[len(statuses)-1].Status != workflow.StateCompleted {
		t.Fatalf("expected completed after retries, got %+v", statuses)
	}
}

func TestDownloadPermanentErrorFailsImmediately(t *testing.T) {
	dl := &fakeDownloader{failTimes: 10, failWith: fmt.Errorf("%w: status 404", content.ErrPermanent)}
	o, emitter := newTestOrchestrator(t, dl, &fakeSender{}, nil)

	if err := o.Dispatch(context.Background(), dispatchEvent("node_1")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitDone(t, o)

	if dl.callCount() != 1 {
		t.Fatalf("expected 1 attempt for permanent error, got %d", dl.callCount())
	}
	statuses := emitter.statuses(t)
	final := statuses[len(statuses)-1]
	if final.Status != workflow.StateFailed || final.Error == "" {
		t.Fatalf("expected failed status with error, got %+v", final)
	}
}

func TestMalformedArchiveIsTerminal(t *testing.T) {
	o, emitter := newTestOrchestrator(t, &fakeDownloader{}, &fakeSender{}, nil)
	o.extract = func(string, string) ([]string, error) {
		return nil, errors.New("malformed archive: bad header")
	}

	if err := o.Dispatch(context.Background(), dispatchEvent("node_1")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitDone(t, o)

	statuses := emitter.statuses(t)
	final := statuses[len(statuses)-1]
	if final.Status != workflow.StateFailed {
		t.Fatalf("expected failed, got %+v", final)
	}
}

func TestPartialSendFails(t *testing.T) {
	sender := &fakeSender{}
	o, emitter := newTestOrchestrator(t, &fakeDownloader{}, sender, nil)
	o.extract = func(_ string, _ string) ([]string, error) {
		return []string{"a.dcm", "b.dcm"}, nil
	}
	sender.failPath = "b.dcm"

	if err := o.Dispatch(context.Background(), dispatchEvent("node_1")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitDone(t, o)

	statuses := emitter.statuses(t)
	final := statuses[len(statuses)-1]
	if final.Status != workflow.StateFailed {
		t.Fatalf("expected failed, got %+v", final)
	}
	if final.FilesSent != 1 || final.FilesTotal != 2 {
		t.Fatalf("expected 1/2 files sent, got %+v", final)
	}
}

func TestLockManager(t *testing.T) {
	m := NewLockManager()
	if !m.TryAcquire("node_1", "session", "sess_1") {
		t.Fatalf("first acquire must succeed")
	}
	if m.TryAcquire("node_1", "session", "sess_1") {
		t.Fatalf("second acquire must fail while held")
	}
	if !m.TryAcquire("node_2", "session", "sess_1") {
		t.Fatalf("different node must acquire independently")
	}
	m.Release("node_1", "session", "sess_1")
	if !m.TryAcquire("node_1", "session", "sess_1") {
		t.Fatalf("acquire after release must succeed")
	}
}

type fakeProcessor struct {
	state string
	mu    sync.Mutex
	calls int
}

func (p *fakeProcessor) State() string { return p.state }

func (p *fakeProcessor) Process(_ context.Context, _ string, _ []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return nil
}

func (p *fakeProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestDispatchUsesRestorerForDeanonymizeNode(t *testing.T) {
	registry := nodes.NewRegistry()
	registry.Apply(nodes.ActionAdded, []events.NodeSpec{
		{NodeID: "node_trusted", IsActive: true, Deanonymize: true, StoragePath: "/tmp/node_trusted"},
	})
	anon := &fakeProcessor{state: workflow.StateAnonymizing}
	restore := &fakeProcessor{state: workflow.StateDeanonymizing}
	emitter := &captureEmitter{}
	o := NewOrchestrator(Options{RetryDelay: time.Millisecond}, Deps{
		Log:        logx.New("test", "test", "", "error"),
		Registry:   registry,
		Tracker:    status.NewTracker(),
		Layout:     storage.NewLayout(t.TempDir()),
		Downloader: &fakeDownloader{},
		Processor:  anon,
		Restorer:   restore,
		Sender:     &fakeSender{},
		Emitter:    emitter,
	})

	if err := o.Dispatch(context.Background(), dispatchEvent("node_trusted")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitDone(t, o)

	if anon.count() != 0 {
		t.Fatalf("anonymize processor ran %d times for a trusted node", anon.count())
	}
	if restore.count() != 1 {
		t.Fatalf("restore processor ran %d times, want 1", restore.count())
	}
	seen := false
	for _, s := range emitter.statuses(t) {
		if s.Status == workflow.StateDeanonymizing {
			seen = true
		}
		if s.Status == workflow.StateAnonymizing {
			t.Fatalf("anonymizing state emitted for a trusted node")
		}
	}
	if !seen {
		t.Fatal("deanonymizing state never emitted")
	}
}
