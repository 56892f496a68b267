package notify

import (
	"context"
	"fmt"
	"net/url"

	"github.com/resend/resend-go/v2"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/consortium/pkg/errs"
)

// ResendConfig configures the Resend sender
type ResendConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint, mostly for tests
	BaseURL string
	From    string
	Retry   RetryConfig
}

// ResendSender sends email through the Resend API
type ResendSender struct {
	client *resend.Client
	from   string
	policy *RetryPolicy
	log    logrus.FieldLogger
}

// NewResendSender creates a Resend-backed sender
func NewResendSender(cfg ResendConfig, log logrus.FieldLogger) (*ResendSender, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("resend api key is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("sender address is required")
	}
	if log == nil {
		log = logrus.New()
	}

	client := resend.NewClient(cfg.APIKey)
	if cfg.BaseURL != "" {
		base, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid resend base url: %w", err)
		}
		client.BaseURL = base
	}

	return &ResendSender{
		client: client,
		from:   cfg.From,
		policy: NewRetryPolicy(cfg.Retry),
		log:    log,
	}, nil
}

// Send implements Sender
func (s *ResendSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return errs.Validation("an email address is required")
	}

	req := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    msg.Text,
	}

	attempts, err := s.policy.Do(ctx, func(ctx context.Context) error {
		sent, err := s.client.Emails.SendWithContext(ctx, req)
		if err != nil {
			return err
		}
		s.log.WithField("email_id", sent.Id).Debug("Email accepted")
		return nil
	})
	if err != nil {
		s.log.WithError(err).WithField("attempts", attempts).Warn("Email delivery failed")
		return errs.Transport("notify.send", err)
	}
	return nil
}
