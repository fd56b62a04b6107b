package workflow

import "strings"

// Dispatch task lifecycle states. Anonymizing and deanonymizing are
// alternatives for the same slot depending on transfer direction.
const (
	StatePending       = "pending"
	StateDownloading   = "downloading"
	StateExtracting    = "extracting"
	StateAnonymizing   = "anonymizing"
	StateDeanonymizing = "deanonymizing"
	StateSending       = "sending"
	StateCompleted     = "completed"
	StateFailed        = "failed"
)

var transitions = map[string][]string{
	StatePending:       {StateDownloading},
	StateDownloading:   {StateExtracting},
	StateExtracting:    {StateAnonymizing, StateDeanonymizing, StateSending},
	StateAnonymizing:   {StateSending},
	StateDeanonymizing: {StateSending},
	StateSending:       {StateCompleted},
}

func Normalize(state string) string {
	return strings.ToLower(strings.TrimSpace(state))
}

func IsTerminal(state string) bool {
	state = Normalize(state)
	return state == StateCompleted || state == StateFailed
}

// CanTransition reports whether from -> to is a legal step. Failed is
// reachable from every non-terminal state.
func CanTransition(from string, to string) bool {
	from = Normalize(from)
	to = Normalize(to)
	if from == to {
		return true
	}
	if to == StateFailed {
		return !IsTerminal(from)
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func AllStates() []string {
	return []string{
		StatePending,
		StateDownloading,
		StateExtracting,
		StateAnonymizing,
		StateDeanonymizing,
		StateSending,
		StateCompleted,
		StateFailed,
	}
}
