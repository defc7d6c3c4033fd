package poll

import (
	"encoding/json"
	"sync"
	"time"
)

// ActionKind classifies what happened to one item (or platform group) during a cycle.
type ActionKind string

// Action kinds.
const (
	KindSkip           ActionKind = "skip"
	KindNoChange       ActionKind = "no_change"
	KindUpdate         ActionKind = "update"
	KindFetchError     ActionKind = "fetch_error"
	KindConfigError    ActionKind = "config_error"
	KindInfo           ActionKind = "info"
	KindCommitConflict ActionKind = "commit_conflict"
	KindCommitError    ActionKind = "commit_error"
	KindDeliveryError  ActionKind = "delivery_error"
	KindDeadline       ActionKind = "deadline"
)

// Action is one entry of the cycle log.
type Action struct {
	Kind    ActionKind `json:"kind"`
	ItemID  string     `json:"item_id,omitempty"`
	Message string     `json:"message"`
}

// Summary collects the actions of one cycle. Safe for concurrent use.
type Summary struct {
	actions []Action
	mu      sync.Mutex
}

// Add records an action.
func (s *Summary) Add(kind ActionKind, itemID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, Action{Kind: kind, ItemID: itemID, Message: message})
}

// Actions returns a copy of the recorded actions in insertion order.
func (s *Summary) Actions() []Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Action, len(s.actions))
	copy(out, s.actions)
	return out
}

// Count returns how many actions of kind were recorded.
func (s *Summary) Count(kind ActionKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.actions {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

// Report is the outcome of RunCycle as returned to the trigger.
type Report struct {
	Timestamp time.Time
	CycleID   string
	Message   string
	Actions   []Action
	Skipped   bool
}

// Lines returns the human-readable action messages.
func (r Report) Lines() []string {
	lines := make([]string, 0, len(r.Actions))
	for _, a := range r.Actions {
		lines = append(lines, a.Message)
	}
	return lines
}

// MarshalJSON renders {success, message} for skipped cycles and {success, actions, timestamp} otherwise.
func (r Report) MarshalJSON() ([]byte, error) {
	if r.Skipped {
		return json.Marshal(struct {
			Message string `json:"message"`
			Success bool   `json:"success"`
		}{Success: true, Message: r.Message})
	}
	return json.Marshal(struct {
		CycleID   string   `json:"cycle_id,omitempty"`
		Timestamp string   `json:"timestamp"`
		Actions   []string `json:"actions"`
		Success   bool     `json:"success"`
	}{
		Success:   true,
		Actions:   r.Lines(),
		Timestamp: r.Timestamp.UTC().Format(time.RFC3339),
		CycleID:   r.CycleID,
	})
}
