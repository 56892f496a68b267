package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/consortium/pkg/errs"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       attempts,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func TestNewRetryPolicy_Defaults(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{})
	assert.Equal(t, DefaultRetryConfig(), p.config)

	p = NewRetryPolicy(RetryConfig{MaxAttempts: 2, InitialDelay: time.Second, MaxDelay: time.Minute, BackoffMultiplier: 3})
	assert.Equal(t, 2, p.config.MaxAttempts)
	assert.Equal(t, 3.0, p.config.BackoffMultiplier)
}

func TestRetryPolicy_NextRetryDelay(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxAttempts: 10, InitialDelay: time.Second, MaxDelay: 5 * time.Second, BackoffMultiplier: 2})

	assert.Equal(t, time.Second, p.NextRetryDelay(0))
	assert.Equal(t, time.Second, p.NextRetryDelay(1))
	assert.Equal(t, 2*time.Second, p.NextRetryDelay(2))
	assert.Equal(t, 4*time.Second, p.NextRetryDelay(3))
	assert.Equal(t, 5*time.Second, p.NextRetryDelay(4))
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := NewRetryPolicy(fastRetry(3))
	assert.False(t, p.ShouldRetry(1, nil))
	assert.True(t, p.ShouldRetry(2, errors.New("boom")))
	assert.False(t, p.ShouldRetry(3, errors.New("boom")))
}

func TestRetryPolicy_Do(t *testing.T) {
	p := NewRetryPolicy(fastRetry(3))

	calls := 0
	attempts, err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	attempts, err = p.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("down")
	})
	assert.EqualError(t, err, "down")
	assert.Equal(t, 3, attempts)
}

func TestRetryPolicy_DoStopsOnCancel(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffMultiplier: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts, err := p.Do(ctx, func(ctx context.Context) error { return errors.New("down") })
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestOTPMessage(t *testing.T) {
	exp := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	msg := OTPMessage("root@example.org", "482913", exp)

	assert.Equal(t, "root@example.org", msg.To)
	assert.Contains(t, msg.Text, "482913")
	assert.Contains(t, msg.Text, "01 Mar 2026")
}

func TestLogSender(t *testing.T) {
	log, hook := test.NewNullLogger()
	s := NewLogSender(log)

	require.NoError(t, s.Send(context.Background(), Message{To: "a@b.c", Subject: "hi", Text: "code 123456"}))
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
	assert.Equal(t, "a@b.c", hook.LastEntry().Data["to"])
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

func TestResendSender_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	var got resendRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"statusCode":500,"name":"internal_server_error","message":"try later"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"email-1"}`))
	}))
	defer srv.Close()

	log, _ := test.NewNullLogger()
	s, err := NewResendSender(ResendConfig{
		APIKey:  "re_test",
		BaseURL: srv.URL + "/",
		From:    "portal@example.org",
		Retry:   fastRetry(4),
	}, log)
	require.NoError(t, err)

	err = s.Send(context.Background(), Message{To: "root@example.org", Subject: "code", Text: "123456"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, "Bearer re_test", auth)
	assert.Equal(t, []string{"root@example.org"}, got.To)
	assert.Equal(t, "portal@example.org", got.From)
	assert.Equal(t, "123456", got.Text)
}

func TestResendSender_GivesUp(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"statusCode":502,"name":"bad_gateway","message":"upstream"}`))
	}))
	defer srv.Close()

	s, err := NewResendSender(ResendConfig{APIKey: "k", BaseURL: srv.URL + "/", From: "p@example.org", Retry: fastRetry(2)}, nil)
	require.NoError(t, err)

	err = s.Send(context.Background(), Message{To: "x@example.org", Subject: "s", Text: "t"})
	assert.True(t, errors.Is(err, errs.ErrTransport))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestResendSender_Validation(t *testing.T) {
	_, err := NewResendSender(ResendConfig{From: "p@example.org"}, nil)
	assert.Error(t, err)
	_, err = NewResendSender(ResendConfig{APIKey: "k"}, nil)
	assert.Error(t, err)

	s, err := NewResendSender(ResendConfig{APIKey: "k", From: "p@example.org"}, nil)
	require.NoError(t, err)
	err = s.Send(context.Background(), Message{Subject: "no recipient"})
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestSMTPSender_Message(t *testing.T) {
	s, err := NewSMTPSender(SMTPConfig{Host: "localhost", Port: 2525, From: "portal@example.org"})
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = s.message(Message{To: "root@example.org", Subject: "Code", Text: "654321"}).WriteTo(&buf)
	require.NoError(t, err)

	raw := buf.String()
	assert.Contains(t, raw, "From: portal@example.org")
	assert.Contains(t, raw, "To: root@example.org")
	assert.Contains(t, raw, "Subject: Code")
	assert.True(t, strings.Contains(raw, "654321"))
}

func TestSMTPSender_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	s, err := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: port, From: "portal@example.org", Retry: fastRetry(1)})
	require.NoError(t, err)

	err = s.Send(context.Background(), Message{To: "root@example.org", Subject: "Code", Text: "1"})
	assert.True(t, errors.Is(err, errs.ErrTransport))

	_, err = NewSMTPSender(SMTPConfig{From: "p@example.org"})
	assert.Error(t, err)
}
