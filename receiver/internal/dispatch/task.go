package dispatch

import (
	"strings"

	"github.com/google/uuid"

	"imaging-edge-proxy/receiver/internal/models"
	"imaging-edge-proxy/shared/workflow"
)

// Task is one transfer of one entity to one node.
type Task struct {
	ID            string
	WorkspaceID   string
	EntityType    string
	EntityID      string
	CorrelationID string
	Node          models.Node

	state      string
	filesTotal int
	filesSent  int
}

func newTask(workspaceID string, entityType string, entityID string, correlationID string, node models.Node) *Task {
	return &Task{
		ID:            "task_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		WorkspaceID:   workspaceID,
		EntityType:    entityType,
		EntityID:      entityID,
		CorrelationID: correlationID,
		Node:          node,
		state:         workflow.StatePending,
	}
}

func (t *Task) State() string {
	return t.state
}

// advance moves the task forward, refusing transitions the state
// machine does not allow.
func (t *Task) advance(to string) bool {
	if !workflow.CanTransition(t.state, to) {
		return false
	}
	t.state = to
	return true
}

// progress is files_sent/files_total as a percentage, 0 while the file
// count is still unknown.
func (t *Task) progress() int {
	if t.filesTotal == 0 {
		return 0
	}
	return (100 * t.filesSent) / t.filesTotal
}
