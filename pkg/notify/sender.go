package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Message is a plain-text email
type Message struct {
	To      string
	Subject string
	Text    string
}

// Sender delivers a message
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// OTPMessage builds the one-time code email for a password change
func OTPMessage(to, code string, expiresAt time.Time) Message {
	return Message{
		To:      to,
		Subject: "Your consortium portal verification code",
		Text: fmt.Sprintf(
			"Your verification code is %s.\n\nIt expires at %s. If you did not ask to change your password, ignore this email.\n",
			code, expiresAt.UTC().Format(time.RFC1123)),
	}
}

// LogSender logs messages instead of sending them
type LogSender struct {
	log logrus.FieldLogger
}

// NewLogSender creates a LogSender
func NewLogSender(log logrus.FieldLogger) *LogSender {
	if log == nil {
		log = logrus.New()
	}
	return &LogSender{log: log}
}

// Send implements Sender
func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.log.WithFields(logrus.Fields{
		"to":      msg.To,
		"subject": msg.Subject,
	}).Info(msg.Text)
	return nil
}
