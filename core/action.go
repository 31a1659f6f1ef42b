package core

import "fmt"

// Action is one entry of the response vocabulary
type Action string

const (
	ActionLog        Action = "log"
	ActionAlert      Action = "alert"
	ActionBlock      Action = "block"
	ActionRateLimit  Action = "rateLimit"
	ActionAudit      Action = "audit"
	ActionQuarantine Action = "quarantine"
	ActionNotify     Action = "notify"
)

var knownActions = map[Action]struct{}{
	ActionLog:        {},
	ActionAlert:      {},
	ActionBlock:      {},
	ActionRateLimit:  {},
	ActionAudit:      {},
	ActionQuarantine: {},
	ActionNotify:     {},
}

// ParseAction validates an action name from configuration
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if _, ok := knownActions[a]; !ok {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// ActionSet is an insertion-ordered set of actions. The zero value is ready to use.
type ActionSet struct {
	order []Action
	seen  map[Action]struct{}
}

// NewActionSet builds a set from the given actions, dropping duplicates
func NewActionSet(actions ...Action) *ActionSet {
	s := &ActionSet{}
	for _, a := range actions {
		s.Add(a)
	}
	return s
}

// Add inserts a if not already present
func (s *ActionSet) Add(a Action) {
	if s.seen == nil {
		s.seen = make(map[Action]struct{})
	}
	if _, ok := s.seen[a]; ok {
		return
	}
	s.seen[a] = struct{}{}
	s.order = append(s.order, a)
}

// Has reports membership
func (s *ActionSet) Has(a Action) bool {
	_, ok := s.seen[a]
	return ok
}

// Len returns the number of distinct actions
func (s *ActionSet) Len() int {
	return len(s.order)
}

// List returns a copy of the actions in insertion order
func (s *ActionSet) List() []Action {
	out := make([]Action, len(s.order))
	copy(out, s.order)
	return out
}
