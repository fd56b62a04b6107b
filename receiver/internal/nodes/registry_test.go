package nodes

import (
	"testing"

	"imaging-edge-proxy/shared/events"
)

func spec(id string, active bool) events.NodeSpec {
	return events.NodeSpec{NodeID: id, Name: "node " + id, AETitle: "AE_" + id, Host: "10.0.0.1", Port: 104, IsActive: active}
}

func TestRegistryAddedAndResolve(t *testing.T) {
	r := NewRegistry()
	r.Apply(ActionAdded, []events.NodeSpec{spec("node_1", true), spec("node_2", false)})

	matched := r.Resolve([]string{"node_1", "node_2", "node_unknown", "node_1"})
	if len(matched) != 1 || matched[0].NodeID != "node_1" {
		t.Fatalf("expected only active node_1, got %v", matched)
	}
}

func TestRegistryUpdatedIgnoresUnknown(t *testing.T) {
	r := NewRegistry()
	r.Apply(ActionAdded, []events.NodeSpec{spec("node_1", true)})
	r.Apply(ActionUpdated, []events.NodeSpec{spec("node_1", true), spec("node_ghost", true)})

	if _, ok := r.Get("node_ghost"); ok {
		t.Fatalf("updated must not insert unknown nodes")
	}
}

func TestRegistryUpdatedMergesPartialFields(t *testing.T) {
	r := NewRegistry()
	r.Apply(ActionAdded, []events.NodeSpec{spec("node_1", true)})
	r.Apply(ActionUpdated, []events.NodeSpec{{NodeID: "node_1", Name: "Renamed PACS"}})

	n, ok := r.Get("node_1")
	if !ok {
		t.Fatal("node_1 missing after update")
	}
	if n.Name != "Renamed PACS" {
		t.Fatalf("name not merged, got %q", n.Name)
	}
	if n.AETitle != "AE_node_1" || n.Host != "10.0.0.1" || n.Port != 104 {
		t.Fatalf("partial update clobbered existing fields: %+v", n)
	}
	if !n.IsActive {
		t.Fatalf("partial update deactivated the node")
	}
	if matched := r.Resolve([]string{"node_1"}); len(matched) != 1 {
		t.Fatalf("renamed node no longer resolves as a dispatch target")
	}
}

func TestRegistryReplacedSwapsWholeSet(t *testing.T) {
	r := NewRegistry()
	r.Apply(ActionAdded, []events.NodeSpec{spec("node_1", true), spec("node_2", true)})
	r.Apply(ActionReplaced, []events.NodeSpec{spec("node_3", true)})

	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].NodeID != "node_3" {
		t.Fatalf("expected replaced set [node_3], got %v", snap)
	}
}

func TestRegistryRemovedAndCounts(t *testing.T) {
	r := NewRegistry()
	r.Apply(ActionAdded, []events.NodeSpec{spec("node_1", true), spec("node_2", false), spec("node_3", true)})
	r.Apply(ActionRemoved, []events.NodeSpec{{NodeID: "node_3"}})

	active, total := r.Counts()
	if active != 1 || total != 2 {
		t.Fatalf("expected counts (1, 2), got (%d, %d)", active, total)
	}
}

func TestRegistryUnknownActionIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Apply(ActionAdded, []events.NodeSpec{spec("node_1", true)})
	r.Apply("rotated", []events.NodeSpec{spec("node_9", true)})

	if _, ok := r.Get("node_9"); ok {
		t.Fatalf("unknown action must not mutate registry")
	}
}
