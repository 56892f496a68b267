package workflow

import (
	"fmt"
	"strings"
)

// Status is a workflow state
type Status string

// Machine is a transition table: the key is the current status and the value
// the set of statuses reachable from it.
type Machine struct {
	name        string
	transitions map[Status]map[Status]bool
}

// NewMachine creates a machine named after the record it governs
func NewMachine(name string, edges map[Status][]Status) *Machine {
	m := &Machine{name: name, transitions: make(map[Status]map[Status]bool, len(edges))}
	for from, tos := range edges {
		set := make(map[Status]bool, len(tos))
		for _, to := range tos {
			set[to] = true
		}
		m.transitions[from] = set
	}
	return m
}

// Name returns the record name used in error messages
func (m *Machine) Name() string {
	return m.name
}

// CanTransition reports whether from → to is an edge
func (m *Machine) CanTransition(from, to Status) bool {
	return m.transitions[from][to]
}

// Terminal reports whether no edge leaves s
func (m *Machine) Terminal(s Status) bool {
	return len(m.transitions[s]) == 0
}

// DecisionMode selects whether a decided request may be decided again
type DecisionMode string

const (
	// TerminalOnce rejects a second decision with errs.ErrAlreadyDecided
	TerminalOnce DecisionMode = "terminal-once"
	// Revisable lets a super-admin flip an approval into a rejection and back
	Revisable DecisionMode = "revisable"
)

// ParseDecisionMode parses a configuration value; empty means TerminalOnce
func ParseDecisionMode(s string) (DecisionMode, error) {
	switch DecisionMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", TerminalOnce:
		return TerminalOnce, nil
	case Revisable:
		return Revisable, nil
	default:
		return "", fmt.Errorf("unknown decision mode %q (want %s or %s)", s, TerminalOnce, Revisable)
	}
}
