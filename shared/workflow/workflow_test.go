package workflow

import "testing"

func TestCanTransition(t *testing.T) {
	if !CanTransition(StatePending, StateDownloading) {
		t.Fatalf("expected pending -> downloading to be allowed")
	}
	if !CanTransition(StateExtracting, StateSending) {
		t.Fatalf("expected extracting -> sending to be allowed when anonymization is off")
	}
	if CanTransition(StateCompleted, StateSending) {
		t.Fatalf("expected completed -> sending to be blocked")
	}
	if CanTransition(StatePending, StateSending) {
		t.Fatalf("expected pending -> sending to be blocked")
	}
}

func TestFailedReachableFromNonTerminal(t *testing.T) {
	for _, state := range AllStates() {
		got := CanTransition(state, StateFailed)
		want := !IsTerminal(state) || state == StateFailed
		if got != want {
			t.Fatalf("failed reachability wrong for %s: got %v", state, got)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminal(StateCompleted) || !IsTerminal(StateFailed) {
		t.Fatalf("completed and failed must be terminal")
	}
	if IsTerminal(StateSending) {
		t.Fatalf("sending must not be terminal")
	}
}
