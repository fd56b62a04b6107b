package events

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeValidEvent(t *testing.T) {
	raw := []byte(`{
		"event_type": "session.dispatch",
		"workspace_id": "ws_abc123",
		"timestamp": "2025-10-04T10:30:00.000Z",
		"correlation_id": "corr_xyz789",
		"entity_type": "session",
		"entity_id": "sess_456",
		"payload": {"nodes": ["node_1", "node_2"], "subject_id": "subj_1"}
	}`)
	ev, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if ev.EventType != TypeSessionDisp || ev.EntityID != "sess_456" {
		t.Fatalf("unexpected envelope: %+v", ev)
	}
	var p DispatchPayload
	if err := ev.DecodePayload(&p); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if len(p.Nodes) != 2 || p.SubjectID != "subj_1" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestDecodeMissingFields(t *testing.T) {
	cases := []string{
		`{"workspace_id":"ws","timestamp":"t","correlation_id":"c"}`,
		`{"event_type":"ping","timestamp":"t","correlation_id":"c"}`,
		`{"event_type":"ping","workspace_id":"ws","correlation_id":"c"}`,
		`{"event_type":"ping","workspace_id":"ws","timestamp":"t"}`,
		`not json`,
	}
	for _, raw := range cases {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrDecode) {
			t.Fatalf("expected ErrDecode for %q, got %v", raw, err)
		}
	}
}

func TestDecodeUnknownEventType(t *testing.T) {
	raw := []byte(`{"event_type":"proxy.totally_new","workspace_id":"ws","timestamp":"t","correlation_id":"c"}`)
	ev, err := Decode(raw)
	if err != nil {
		t.Fatalf("unknown event types must still decode: %v", err)
	}
	if ev.EventType != "proxy.totally_new" {
		t.Fatalf("unexpected event type: %s", ev.EventType)
	}
}

func TestEncodeRegeneratesTimestampAndRoundTrips(t *testing.T) {
	ev := NewDispatchStatus("ws_abc", EntitySession, "sess_456", "corr_orig", DispatchStatusPayload{
		NodeID: "node_1", Status: "completed", Progress: 100, FilesSent: 10, FilesTotal: 10,
	})
	raw, err := Encode(ev)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	back, err := Decode(raw)
	if err != nil {
		t.Fatalf("round trip decode failed: %v", err)
	}
	if back.CorrelationID != "corr_orig" {
		t.Fatalf("correlation id must round trip unchanged, got %s", back.CorrelationID)
	}
	if back.Timestamp == "" {
		t.Fatalf("encode must set timestamp")
	}
	var p DispatchStatusPayload
	if err := back.DecodePayload(&p); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if p.FilesSent != 10 || p.Status != "completed" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestEncodeOmitsEmptyError(t *testing.T) {
	ev := NewDispatchStatus("ws", EntityScan, "scan_1", "corr_1", DispatchStatusPayload{NodeID: "n1", Status: "sending"})
	raw, _ := Encode(ev)
	if strings.Contains(string(raw), `"error"`) {
		t.Fatalf("empty error must be omitted: %s", raw)
	}
}

func TestNewCorrelationID(t *testing.T) {
	id := NewCorrelationID()
	if !strings.HasPrefix(id, "corr_") || len(id) != len("corr_")+12 {
		t.Fatalf("unexpected correlation id format: %s", id)
	}
}

func TestHeartbeatPayloadShape(t *testing.T) {
	ev := NewHeartbeat("ws", "proxy_1", HeartbeatPayload{Status: "active", NodesOnline: 2, NodesTotal: 3, DiskUsageGB: 1.5, Version: "1.0.0"})
	var p map[string]any
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		t.Fatalf("payload not valid json: %v", err)
	}
	for _, key := range []string{"status", "nodes_online", "nodes_total", "active_dispatches", "disk_usage_gb", "version"} {
		if _, ok := p[key]; !ok {
			t.Fatalf("heartbeat payload missing %s", key)
		}
	}
}
