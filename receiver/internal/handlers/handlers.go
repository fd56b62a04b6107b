package handlers

import (
	"context"
	"time"

	"imaging-edge-proxy/receiver/internal/models"
	"imaging-edge-proxy/shared/events"
)

// Emitter sends an outbound event on the control connection.
type Emitter interface {
	Emit(ctx context.Context, ev events.Envelope) error
}

// Catalog is the slice of the catalog repo the deletion handlers need.
type Catalog interface {
	DeleteSession(ctx context.Context, workspaceID string, sessionID string) (bool, error)
	DeleteScan(ctx context.Context, workspaceID string, studyInstanceUID string, scanNumber int) (bool, error)
	ListScansBySession(ctx context.Context, workspaceID string, sessionID string) ([]models.Scan, error)
}

// Files removes stored content for deleted entities.
type Files interface {
	RemoveEntityDir(entityType string, entityID string) error
}

// Snapshotter persists small state documents, the Redis mirror of the
// node registry and proxy status.
type Snapshotter interface {
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}
