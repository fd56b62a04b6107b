package phi

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"imaging-edge-proxy/receiver/internal/models"
)

func unmarshalIdentity(raw []byte, dst *models.PatientIdentity) error {
	return json.Unmarshal(raw, dst)
}

// MemoryStore keeps mappings in process memory. It backs tests and
// proxies deployed without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	mappings map[string]models.PHIMapping
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{mappings: make(map[string]models.PHIMapping)}
}

func memoryKey(workspaceID string, anonID string) string {
	return workspaceID + "/" + anonID
}

func (s *MemoryStore) PutIfAbsent(_ context.Context, mapping models.PHIMapping) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey(mapping.WorkspaceID, mapping.AnonID)
	if _, ok := s.mappings[key]; ok {
		return false, nil
	}
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = time.Now().UTC()
	}
	s.mappings[key] = mapping
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, workspaceID string, anonID string) (models.PHIMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mapping, ok := s.mappings[memoryKey(workspaceID, anonID)]
	if !ok {
		return models.PHIMapping{}, ErrMappingNotFound
	}
	return mapping, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mappings)
}
