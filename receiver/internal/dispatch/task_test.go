package dispatch

import (
	"testing"

	"imaging-edge-proxy/receiver/internal/models"
	"imaging-edge-proxy/shared/workflow"
)

func TestTaskProgressTracksFilesSent(t *testing.T) {
	task := newTask("ws_1", "session", "sess_1", "corr_1", models.Node{NodeID: "node_1"})

	if got := task.progress(); got != 0 {
		t.Fatalf("progress before any files known = %d, want 0", got)
	}
	task.advance(workflow.StateDownloading)
	if got := task.progress(); got != 0 {
		t.Fatalf("progress while downloading = %d, want 0", got)
	}

	task.filesTotal = 10
	task.filesSent = 5
	if got := task.progress(); got != 50 {
		t.Fatalf("progress at 5/10 = %d, want 50", got)
	}

	task.filesSent = 10
	if got := task.progress(); got != 100 {
		t.Fatalf("progress at 10/10 = %d, want 100", got)
	}
}
