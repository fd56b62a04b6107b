package dispatch

import "sync"

type lockKey struct {
	NodeID     string
	EntityType string
	EntityID   string
}

// LockManager dedupes in-flight work. A dispatch for a (node, entity)
// pair that already holds a lock is a no-op until the task releases it.
type LockManager struct {
	mu   sync.Mutex
	held map[lockKey]struct{}
}

func NewLockManager() *LockManager {
	return &LockManager{held: make(map[lockKey]struct{})}
}

func (m *LockManager) TryAcquire(nodeID string, entityType string, entityID string) bool {
	key := lockKey{NodeID: nodeID, EntityType: entityType, EntityID: entityID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return false
	}
	m.held[key] = struct{}{}
	return true
}

func (m *LockManager) Release(nodeID string, entityType string, entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, lockKey{NodeID: nodeID, EntityType: entityType, EntityID: entityID})
}

func (m *LockManager) Held(nodeID string, entityType string, entityID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[lockKey{NodeID: nodeID, EntityType: entityType, EntityID: entityID}]
	return ok
}

func (m *LockManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}
