package notify

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/platinummonkey/consortium/pkg/errs"
)

// SMTPConfig configures the SMTP relay
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Retry    RetryConfig
}

// SMTPSender sends email through an SMTP relay
type SMTPSender struct {
	dialer *gomail.Dialer
	from   string
	policy *RetryPolicy
}

// NewSMTPSender creates an SMTP sender
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, fmt.Errorf("smtp host and port are required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("sender address is required")
	}
	return &SMTPSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
		policy: NewRetryPolicy(cfg.Retry),
	}, nil
}

func (s *SMTPSender) message(msg Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Text)
	return m
}

// Send implements Sender
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return errs.Validation("an email address is required")
	}
	m := s.message(msg)
	_, err := s.policy.Do(ctx, func(ctx context.Context) error {
		return s.dialer.DialAndSend(m)
	})
	if err != nil {
		return errs.Transport("notify.smtp", err)
	}
	return nil
}
