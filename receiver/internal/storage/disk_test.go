package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTaskDirLifecycle(t *testing.T) {
	l := NewLayout(t.TempDir())

	dir, err := l.TaskDir("task_1")
	if err != nil {
		t.Fatalf("TaskDir: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected task dir to exist: %v", err)
	}
	if err := l.RemoveTaskDir("task_1"); err != nil {
		t.Fatalf("RemoveTaskDir: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected task dir removed, got %v", err)
	}
}

func TestSweepRemovesOldTaskDirs(t *testing.T) {
	l := NewLayout(t.TempDir())

	oldDir, err := l.TaskDir("task_old")
	if err != nil {
		t.Fatalf("TaskDir: %v", err)
	}
	if _, err := l.TaskDir("task_new"); err != nil {
		t.Fatalf("TaskDir: %v", err)
	}
	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldDir, stale, stale); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	removed, err := l.Sweep(24 * time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Fatalf("expected old dir removed")
	}
	if _, err := os.Stat(filepath.Join(l.Root(), "tasks", "task_new")); err != nil {
		t.Fatalf("expected new dir kept: %v", err)
	}
}

func TestSweepMissingRoot(t *testing.T) {
	l := NewLayout(filepath.Join(t.TempDir(), "missing"))
	if removed, err := l.Sweep(time.Hour); err != nil || removed != 0 {
		t.Fatalf("expected (0, nil), got (%d, %v)", removed, err)
	}
}
