package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/consortium/pkg/errs"
)

func TestMachine(t *testing.T) {
	m := NewMachine("request", map[Status][]Status{
		"pending":  {"approved", "rejected"},
		"approved": {"completed"},
	})

	assert.Equal(t, "request", m.Name())
	assert.True(t, m.CanTransition("pending", "approved"))
	assert.True(t, m.CanTransition("approved", "completed"))
	assert.False(t, m.CanTransition("approved", "pending"))
	assert.False(t, m.CanTransition("completed", "approved"))
	assert.True(t, m.Terminal("rejected"))
	assert.True(t, m.Terminal("completed"))
	assert.False(t, m.Terminal("pending"))
}

func TestParseDecisionMode(t *testing.T) {
	tests := []struct {
		in      string
		want    DecisionMode
		wantErr bool
	}{
		{"", TerminalOnce, false},
		{"terminal-once", TerminalOnce, false},
		{" Revisable ", Revisable, false},
		{"sometimes", "", true},
	}
	for _, tt := range tests {
		got, err := ParseDecisionMode(tt.in)
		if tt.wantErr {
			require.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

type recordingInvalidator struct{ hits []string }

func (r *recordingInvalidator) TriggerUpdate(c string) { r.hits = append(r.hits, c) }

func TestInvalidatorOrNoop(t *testing.T) {
	InvalidatorOrNoop(nil).TriggerUpdate("uploads")

	rec := &recordingInvalidator{}
	InvalidatorOrNoop(rec).TriggerUpdate("uploads")
	assert.Equal(t, []string{"uploads"}, rec.hits)
}

func TestDecisions_Check(t *testing.T) {
	d := Decisions{
		Once: NewMachine("upload", map[Status][]Status{
			"Pending": {"Approved", "Rejected"},
		}),
		Revisable: NewMachine("upload", map[Status][]Status{
			"Pending":  {"Approved", "Rejected"},
			"Approved": {"Rejected"},
			"Rejected": {"Approved"},
		}),
		Decided: []Status{"Approved", "Rejected"},
	}

	assert.NoError(t, d.Check(TerminalOnce, "u1", "Pending", "Approved"))
	assert.ErrorIs(t, d.Check(TerminalOnce, "u1", "Approved", "Rejected"), errs.ErrAlreadyDecided)
	assert.ErrorIs(t, d.Check(TerminalOnce, "u1", "Rejected", "Rejected"), errs.ErrAlreadyDecided)

	assert.NoError(t, d.Check(Revisable, "u1", "Approved", "Rejected"))
	assert.NoError(t, d.Check(Revisable, "u1", "Rejected", "Approved"))
	assert.ErrorIs(t, d.Check(Revisable, "u1", "Approved", "Approved"), errs.ErrAlreadyDecided)

	assert.ErrorIs(t, d.Check(Revisable, "u1", "Archived", "Approved"), errs.ErrInvalidTransition)
}
