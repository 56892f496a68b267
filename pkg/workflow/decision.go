package workflow

import (
	"github.com/platinummonkey/consortium/pkg/errs"
)

// Decisions describes the super-admin decisions of a workflow under both
// decision modes
type Decisions struct {
	// Once holds the edges allowed in TerminalOnce mode
	Once *Machine
	// Revisable holds the edges allowed in Revisable mode
	Revisable *Machine
	// Decided lists the statuses reached by a decision
	Decided []Status
}

func (d Decisions) machine(mode DecisionMode) *Machine {
	if mode == Revisable && d.Revisable != nil {
		return d.Revisable
	}
	return d.Once
}

func (d Decisions) decided(s Status) bool {
	for _, dec := range d.Decided {
		if dec == s {
			return true
		}
	}
	return false
}

// Check returns nil when a decision may move record id from → to, an
// errs.ErrAlreadyDecided error when the record is already decided and the
// mode does not allow changing it, and errs.ErrInvalidTransition otherwise.
func (d Decisions) Check(mode DecisionMode, id string, from, to Status) error {
	m := d.machine(mode)
	if m.CanTransition(from, to) {
		return nil
	}
	if d.decided(from) {
		return errs.AlreadyDecided(m.Name(), id, string(from))
	}
	return errs.InvalidTransition(m.Name(), string(from), string(to))
}
