package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"imaging-edge-proxy/receiver/internal/archive"
	"imaging-edge-proxy/receiver/internal/content"
	"imaging-edge-proxy/receiver/internal/imaging"
	"imaging-edge-proxy/receiver/internal/nodes"
	"imaging-edge-proxy/receiver/internal/status"
	"imaging-edge-proxy/receiver/internal/storage"
	"imaging-edge-proxy/shared/events"
	"imaging-edge-proxy/shared/logx"
	"imaging-edge-proxy/shared/metricsx"
	"imaging-edge-proxy/shared/workflow"
)

var ErrProxyPaused = errors.New("proxy paused, dispatch refused")

func defaultExtract(archivePath string, dst string) ([]string, error) {
	return archive.ExtractZip(archivePath, dst)
}

// Downloader fetches the content bundle for an entity.
type Downloader interface {
	DownloadArchive(ctx context.Context, entityType string, entityID string, destPath string) error
}

// Processor rewrites extracted files before sending. State names the
// lifecycle state the rewrite runs under.
type Processor interface {
	State() string
	Process(ctx context.Context, workspaceID string, files []string) error
}

// processorEnabled honors an optional runtime toggle. A processor that
// is switched off skips its lifecycle state entirely.
func processorEnabled(p Processor) bool {
	if t, ok := p.(interface{ Enabled() bool }); ok {
		return t.Enabled()
	}
	return true
}

// Emitter delivers outbound events to the control connection.
type Emitter interface {
	Emit(ctx context.Context, ev events.Envelope) error
}

// Auditor mirrors terminal status events to an external trail.
type Auditor interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// Recorder writes throughput measurements for finished transfers.
type Recorder interface {
	WriteDispatchPoint(ctx context.Context, workspaceID, nodeID, entityType, state string, filesSent int, elapsed time.Duration) error
}

type Options struct {
	MaxConcurrent int
	NodeMaxSends  int
	RetryMax      int
	RetryDelay    time.Duration
	AuditTopic    string
	PreflightEcho bool
}

type Deps struct {
	Log        logx.Logger
	Registry   *nodes.Registry
	Tracker    *status.Tracker
	Layout     *storage.Layout
	Downloader Downloader
	Processor  Processor
	// Restorer runs instead of Processor for nodes flagged
	// deanonymize.
	Restorer Processor
	Sender   imaging.Sender
	Emitter  Emitter
	Auditor  Auditor
	Recorder Recorder
}

// Orchestrator runs dispatch tasks under a global concurrency ceiling
// and a per-node sending ceiling.
type Orchestrator struct {
	opts Options
	deps Deps

	locks   *LockManager
	extract func(archivePath string, dst string) ([]string, error)

	retryMu    sync.Mutex
	retryMax   int
	retryDelay time.Duration

	global chan struct{}

	slotMu sync.Mutex
	slots  map[string]chan struct{}

	active int64
	wg     sync.WaitGroup
}

func NewOrchestrator(opts Options, deps Deps) *Orchestrator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.NodeMaxSends <= 0 {
		opts.NodeMaxSends = 2
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	return &Orchestrator{
		opts:       opts,
		deps:       deps,
		locks:      NewLockManager(),
		extract:    defaultExtract,
		retryMax:   opts.RetryMax,
		retryDelay: opts.RetryDelay,
		global:     make(chan struct{}, opts.MaxConcurrent),
		slots:      make(map[string]chan struct{}),
	}
}

// SetRetryPolicy changes download retry knobs at runtime, applied by
// proxy.config_changed.
func (o *Orchestrator) SetRetryPolicy(max int, delay time.Duration) {
	o.retryMu.Lock()
	defer o.retryMu.Unlock()
	if max > 0 {
		o.retryMax = max
	}
	if delay > 0 {
		o.retryDelay = delay
	}
}

func (o *Orchestrator) retryPolicy() (int, time.Duration) {
	o.retryMu.Lock()
	defer o.retryMu.Unlock()
	return o.retryMax, o.retryDelay
}

// ActiveCount reports in-flight tasks for heartbeat payloads.
func (o *Orchestrator) ActiveCount() int {
	return int(atomic.LoadInt64(&o.active))
}

// Wait blocks until in-flight tasks drain or ctx expires.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch admits one dispatch event. Unmanaged and inactive nodes are
// dropped silently; an empty remaining set produces no task and no
// status event. Duplicate in-flight (node, entity) pairs are skipped.
func (o *Orchestrator) Dispatch(ctx context.Context, ev events.Envelope) error {
	var payload events.DispatchPayload
	if err := ev.DecodePayload(&payload); err != nil {
		return fmt.Errorf("dispatch payload: %w", err)
	}

	if o.deps.Tracker != nil && o.deps.Tracker.Paused() {
		o.deps.Log.Warn(ctx, "dispatch_refused", "proxy paused, refusing dispatch",
			slog.String("entity_type", ev.EntityType),
			slog.String("entity_id", ev.EntityID),
		)
		return ErrProxyPaused
	}

	matched := o.deps.Registry.Resolve(payload.Nodes)
	if len(matched) == 0 {
		o.deps.Log.Debug(ctx, "dispatch_no_targets", "no managed active nodes matched",
			slog.String("entity_id", ev.EntityID),
			slog.Int("requested", len(payload.Nodes)),
		)
		return nil
	}

	for _, node := range matched {
		if !o.locks.TryAcquire(node.NodeID, ev.EntityType, ev.EntityID) {
			o.deps.Log.Debug(ctx, "dispatch_duplicate", "dispatch already in flight",
				slog.String("node_id", node.NodeID),
				slog.String("entity_id", ev.EntityID),
			)
			continue
		}
		task := newTask(ev.WorkspaceID, ev.EntityType, ev.EntityID, ev.CorrelationID, node)
		o.wg.Add(1)
		atomic.AddInt64(&o.active, 1)
		metricsx.SetActiveDispatches(o.ActiveCount())
		go o.run(task)
	}
	return nil
}

func (o *Orchestrator) run(task *Task) {
	started := time.Now()
	ctx, span := otel.Tracer("dispatch").Start(context.Background(), "dispatch.task")
	span.SetAttributes(
		attribute.String("entity_type", task.EntityType),
		attribute.String("entity_id", task.EntityID),
		attribute.String("node_id", task.Node.NodeID),
	)
	defer func() {
		span.End()
		o.locks.Release(task.Node.NodeID, task.EntityType, task.EntityID)
		atomic.AddInt64(&o.active, -1)
		metricsx.SetActiveDispatches(o.ActiveCount())
		o.wg.Done()
	}()

	metricsx.IncDispatchTask(workflow.StatePending)
	o.emitStatus(ctx, task, "")

	o.global <- struct{}{}
	defer func() { <-o.global }()

	if err := o.pipeline(ctx, task); err != nil {
		task.state = workflow.StateFailed
		metricsx.IncDispatchTask(workflow.StateFailed)
		o.emitStatus(ctx, task, err.Error())
		o.deps.Log.Error(ctx, "dispatch_failed", "dispatch task failed",
			slog.String("error_code", "DISPATCH_FAILED"),
			slog.String("task_id", task.ID),
			slog.String("node_id", task.Node.NodeID),
			slog.String("error", err.Error()),
		)
	}

	o.record(ctx, task, time.Since(started))
}

func (o *Orchestrator) pipeline(ctx context.Context, task *Task) error {
	taskDir, err := o.deps.Layout.TaskDir(task.ID)
	if err != nil {
		return err
	}

	o.transition(ctx, task, workflow.StateDownloading)
	archivePath := filepath.Join(taskDir, "bundle.zip")
	if err := o.download(ctx, task, archivePath); err != nil {
		return err
	}

	o.transition(ctx, task, workflow.StateExtracting)
	files, err := o.extract(archivePath, filepath.Join(taskDir, "files"))
	if err != nil {
		// A corrupt bundle will not improve on retry.
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("%w: empty bundle", content.ErrPermanent)
	}
	task.filesTotal = len(files)

	p := o.deps.Processor
	if task.Node.Deanonymize && o.deps.Restorer != nil {
		p = o.deps.Restorer
	}
	if p != nil && processorEnabled(p) {
		o.transition(ctx, task, p.State())
		if err := p.Process(ctx, task.WorkspaceID, files); err != nil {
			return err
		}
	}

	o.transition(ctx, task, workflow.StateSending)
	if err := o.send(ctx, task, files); err != nil {
		return err
	}

	o.transition(ctx, task, workflow.StateCompleted)
	_ = o.deps.Layout.RemoveTaskDir(task.ID)
	return nil
}

func (o *Orchestrator) download(ctx context.Context, task *Task, dest string) error {
	retryMax, retryDelay := o.retryPolicy()
	var lastErr error
	for attempt := 1; attempt <= retryMax; attempt++ {
		begin := time.Now()
		err := o.deps.Downloader.DownloadArchive(ctx, task.EntityType, task.EntityID, dest)
		if err == nil {
			metricsx.ObserveDownloadLatency(time.Since(begin))
			return nil
		}
		lastErr = err
		if !errors.Is(err, content.ErrTransient) {
			return err
		}
		o.deps.Log.Warn(ctx, "download_retry", "transient download failure",
			slog.String("task_id", task.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt < retryMax {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("download exhausted %d attempts: %w", retryMax, lastErr)
}

func (o *Orchestrator) send(ctx context.Context, task *Task, files []string) error {
	slot := o.nodeSlot(task.Node.NodeID)
	slot <- struct{}{}
	defer func() { <-slot }()

	if o.opts.PreflightEcho {
		if err := o.deps.Sender.Echo(ctx, task.Node); err != nil {
			return err
		}
	}

	outcomes := o.deps.Sender.Send(ctx, task.Node, files)
	failed := 0
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			failed++
			continue
		}
		task.filesSent++
	}
	metricsx.AddFilesSent(task.filesSent)
	if failed > 0 {
		return fmt.Errorf("node %s rejected %d of %d files", task.Node.NodeID, failed, len(files))
	}
	return nil
}

func (o *Orchestrator) nodeSlot(nodeID string) chan struct{} {
	o.slotMu.Lock()
	defer o.slotMu.Unlock()
	slot, ok := o.slots[nodeID]
	if !ok {
		slot = make(chan struct{}, o.opts.NodeMaxSends)
		o.slots[nodeID] = slot
	}
	return slot
}

func (o *Orchestrator) transition(ctx context.Context, task *Task, to string) {
	if !task.advance(to) {
		return
	}
	metricsx.IncDispatchTask(to)
	o.emitStatus(ctx, task, "")
}

func (o *Orchestrator) emitStatus(ctx context.Context, task *Task, errMsg string) {
	ev := events.NewDispatchStatus(task.WorkspaceID, task.EntityType, task.EntityID, task.CorrelationID, events.DispatchStatusPayload{
		NodeID:     task.Node.NodeID,
		Status:     task.state,
		Progress:   task.progress(),
		FilesSent:  task.filesSent,
		FilesTotal: task.filesTotal,
		Error:      errMsg,
	})
	if o.deps.Emitter != nil {
		if err := o.deps.Emitter.Emit(ctx, ev); err != nil {
			o.deps.Log.Warn(ctx, "status_emit_failed", "could not deliver status event",
				slog.String("task_id", task.ID),
				slog.String("state", task.state),
				slog.String("error", err.Error()),
			)
		}
	}
	if o.deps.Auditor != nil && workflow.IsTerminal(task.state) {
		raw, err := events.Encode(ev)
		if err == nil {
			headers := map[string]string{
				"correlation_id": task.CorrelationID,
				"node_id":        task.Node.NodeID,
			}
			if err := o.deps.Auditor.Publish(ctx, o.opts.AuditTopic, []byte(task.EntityID), raw, headers); err != nil {
				o.deps.Log.Warn(ctx, "audit_publish_failed", "could not mirror status to audit topic",
					slog.String("task_id", task.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (o *Orchestrator) record(ctx context.Context, task *Task, elapsed time.Duration) {
	if o.deps.Recorder == nil {
		return
	}
	if err := o.deps.Recorder.WriteDispatchPoint(ctx, task.WorkspaceID, task.Node.NodeID, task.EntityType, task.state, task.filesSent, elapsed); err != nil {
		o.deps.Log.Debug(ctx, "influx_write_failed", "could not record transfer point",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}
