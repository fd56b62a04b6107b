package storage

import (
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// Layout manages the proxy's scratch space. Each dispatch task gets an
// isolated workspace that the retention sweep reclaims later.
type Layout struct {
	root string
}

func NewLayout(root string) *Layout {
	return &Layout{root: root}
}

func (l *Layout) Root() string {
	return l.root
}

// TaskDir creates and returns the workspace for one dispatch task.
func (l *Layout) TaskDir(taskID string) (string, error) {
	dir := filepath.Join(l.root, "tasks", taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func (l *Layout) RemoveTaskDir(taskID string) error {
	return os.RemoveAll(filepath.Join(l.root, "tasks", taskID))
}

// EntityDir is where received files for an entity land, so deletion
// events can remove them by id.
func (l *Layout) EntityDir(entityType string, entityID string) string {
	return filepath.Join(l.root, "received", entityType, entityID)
}

func (l *Layout) RemoveEntityDir(entityType string, entityID string) error {
	return os.RemoveAll(l.EntityDir(entityType, entityID))
}

// Sweep removes task workspaces older than maxAge and returns how many
// were reclaimed.
func (l *Layout) Sweep(maxAge time.Duration) (int, error) {
	tasksRoot := filepath.Join(l.root, "tasks")
	entries, err := os.ReadDir(tasksRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(tasksRoot, entry.Name())); err != nil {
			continue
		}
		removed++
	}
	return removed, nil
}

// DiskUsageGB reports used space on the filesystem holding the root,
// for heartbeat payloads.
func (l *Layout) DiskUsageGB() float64 {
	var st syscall.Statfs_t
	if err := syscall.Statfs(l.root, &st); err != nil {
		return 0
	}
	used := (st.Blocks - st.Bfree) * uint64(st.Bsize)
	return float64(used) / (1 << 30)
}
