package nodes

import (
	"sort"
	"sync"

	"imaging-edge-proxy/receiver/internal/models"
	"imaging-edge-proxy/shared/events"
)

const (
	ActionAdded    = "added"
	ActionRemoved  = "removed"
	ActionUpdated  = "updated"
	ActionReplaced = "replaced"
)

// Registry is the in-memory view of managed nodes. The backend is the
// source of truth; nodes_changed events keep this copy current.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]models.Node
}

func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]models.Node)}
}

func fromSpec(s events.NodeSpec) models.Node {
	return models.Node{
		NodeID:      s.NodeID,
		Name:        s.Name,
		AETitle:     s.AETitle,
		Host:        s.Host,
		Port:        s.Port,
		StoragePath: s.StoragePath,
		IsActive:    s.IsActive,
		Deanonymize: s.Deanonymize,
	}
}

// merge patches non-zero payload fields into an existing node. A
// partial update never deactivates; deactivation arrives as added or
// replaced with the full record.
func merge(n models.Node, s events.NodeSpec) models.Node {
	if s.Name != "" {
		n.Name = s.Name
	}
	if s.AETitle != "" {
		n.AETitle = s.AETitle
	}
	if s.Host != "" {
		n.Host = s.Host
	}
	if s.Port != 0 {
		n.Port = s.Port
	}
	if s.StoragePath != "" {
		n.StoragePath = s.StoragePath
	}
	if s.IsActive {
		n.IsActive = true
	}
	if s.Deanonymize {
		n.Deanonymize = true
	}
	return n
}

// Apply folds one nodes_changed action into the registry. Unknown
// actions are ignored so newer backends stay compatible.
func (r *Registry) Apply(action string, specs []events.NodeSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch action {
	case ActionAdded:
		for _, s := range specs {
			if s.NodeID == "" {
				continue
			}
			r.nodes[s.NodeID] = fromSpec(s)
		}
	case ActionRemoved:
		for _, s := range specs {
			delete(r.nodes, s.NodeID)
		}
	case ActionUpdated:
		for _, s := range specs {
			n, ok := r.nodes[s.NodeID]
			if !ok {
				continue
			}
			r.nodes[s.NodeID] = merge(n, s)
		}
	case ActionReplaced:
		next := make(map[string]models.Node, len(specs))
		for _, s := range specs {
			if s.NodeID == "" {
				continue
			}
			next[s.NodeID] = fromSpec(s)
		}
		r.nodes = next
	}
}

// Get returns the node regardless of its active flag.
func (r *Registry) Get(nodeID string) (models.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	return n, ok
}

// Resolve maps requested node ids to the managed, active subset.
// Unknown and inactive ids are silently dropped.
func (r *Registry) Resolve(nodeIDs []string) []models.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []models.Node
	seen := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if n, ok := r.nodes[id]; ok && n.IsActive {
			matched = append(matched, n)
		}
	}
	return matched
}

// Snapshot returns all nodes sorted by id, for heartbeats and the
// Redis registry mirror.
func (r *Registry) Snapshot() []models.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Counts reports (active, total) for heartbeat payloads.
func (r *Registry) Counts() (int, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := 0
	for _, n := range r.nodes {
		if n.IsActive {
			active++
		}
	}
	return active, len(r.nodes)
}
