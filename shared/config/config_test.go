package config

import "testing"

func TestParseCSV(t *testing.T) {
	got := parseCSV("broker1:9092, broker2:9092, ,")
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "broker1:9092" || got[1] != "broker2:9092" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestApplyConfigMapKnobs(t *testing.T) {
	cfg := Config{DispatchMaxConcurrent: 8, NodeMaxConcurrentSends: 2, AnonymizationEnabled: true}
	var problems []Problem
	applyConfigMap(&cfg, map[string]any{
		"dispatch_max_concurrent":   4,
		"node_max_concurrent_sends": "1",
		"anonymization_enabled":     false,
	}, &problems)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.DispatchMaxConcurrent != 4 || cfg.NodeMaxConcurrentSends != 1 {
		t.Fatalf("concurrency knobs not applied: %+v", cfg)
	}
	if cfg.AnonymizationEnabled {
		t.Fatalf("expected anonymization disabled")
	}
}

func TestApplyConfigMapRejectsBadValues(t *testing.T) {
	cfg := Config{}
	var problems []Problem
	applyConfigMap(&cfg, map[string]any{
		"heartbeat_interval_seconds": "not-a-number",
		"otel_enabled":               "maybe",
	}, &problems)
	if len(problems) != 2 {
		t.Fatalf("expected 2 problems, got %#v", problems)
	}
}
