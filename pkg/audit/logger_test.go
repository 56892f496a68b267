package audit

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingLogger struct{}

func (failingLogger) Log(ctx context.Context, event *AuditEvent) error {
	return errors.New("disk full")
}
func (failingLogger) Close() error { return nil }

func TestRecord_StampsTimestamp(t *testing.T) {
	mem := NewMemoryLogger()
	Record(context.Background(), mem, nil, &AuditEvent{EventType: EventTypeAuthLogin, Status: EventStatusSuccess})

	events := mem.Events()
	require.Len(t, events, 1)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestRecord_SwallowsErrors(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)

	Record(context.Background(), failingLogger{}, log, &AuditEvent{EventType: EventTypeUploadDelete})
	assert.Contains(t, buf.String(), "Failed to write audit event")

	// nil logger is a no-op
	Record(context.Background(), nil, log, &AuditEvent{EventType: EventTypeUploadDelete})
}

func TestLogrusLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.JSONFormatter{})

	l := NewLogrusLogger(log)
	require.NoError(t, l.Log(context.Background(), &AuditEvent{
		EventType: EventTypeAuthLoginFailed,
		Status:    EventStatusDenied,
		Username:  "librarian1",
		Reason:    ReasonCredentialMismatch,
		Message:   "login denied",
	}))

	out := buf.String()
	assert.Contains(t, out, `"reason":"credential_mismatch"`)
	assert.Contains(t, out, `"level":"warning"`)
	assert.Contains(t, out, `"username":"librarian1"`)
}

func TestMulti(t *testing.T) {
	a, b := NewMemoryLogger(), NewMemoryLogger()
	m := Multi(a, b, failingLogger{})

	err := m.Log(context.Background(), &AuditEvent{EventType: EventTypeRegistrationApprove})
	assert.Error(t, err)
	assert.Len(t, a.Find(EventTypeRegistrationApprove), 1)
	assert.Len(t, b.Find(EventTypeRegistrationApprove), 1)
	assert.NoError(t, m.Close())
}

func TestNoOp(t *testing.T) {
	l := NoOp()
	assert.NoError(t, l.Log(context.Background(), &AuditEvent{}))
	assert.NoError(t, l.Close())
}
