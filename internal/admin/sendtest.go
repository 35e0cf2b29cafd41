package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shineum/sendgrid-relay/internal/email"
	"github.com/shineum/sendgrid-relay/internal/settings"
)

// DefaultTestSender is used when no sender address is configured.
const DefaultTestSender = "sendtest@sendgrid-relay.invalid"

// ErrSendTest wraps the delivery error of a failed test email.
var ErrSendTest = errors.New("the email could not be sent, check your SendGrid settings")

// TestEmail is the admin test-send form.
type TestEmail struct {
	To       string `json:"to"`
	Subject  string `json:"subject"`
	TextBody string `json:"text"`
	HTMLBody string `json:"html"`
}

// ValidationError lists the problems with a TestEmail.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid test email: " + strings.Join(e.Problems, "; ")
}

func (s *Service) checkTestEmail(t TestEmail) error {
	var problems []string
	if strings.TrimSpace(t.To) == "" {
		problems = append(problems, "recipient is required")
	} else if err := s.validate.Var(strings.TrimSpace(t.To), "email"); err != nil {
		problems = append(problems, "recipient address is invalid")
	}
	if strings.TrimSpace(t.Subject) == "" {
		problems = append(problems, "subject is required")
	}
	if strings.TrimSpace(t.TextBody) == "" && strings.TrimSpace(t.HTMLBody) == "" {
		problems = append(problems, "text or HTML body is required")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// SendTest delivers a test email through the transport, which applies the
// stored defaults and routing like any other send.
func (s *Service) SendTest(ctx context.Context, t TestEmail) error {
	if err := s.checkTestEmail(t); err != nil {
		return err
	}

	from, err := s.store.Get(ctx, settings.KeyFrom)
	if err != nil {
		return fmt.Errorf("failed to read sender: %w", err)
	}
	if strings.TrimSpace(from) == "" {
		from = DefaultTestSender
	}

	msg := email.Wrap(&email.Email{
		From:     strings.TrimSpace(from),
		To:       []string{strings.TrimSpace(t.To)},
		Subject:  strings.TrimSpace(t.Subject),
		TextBody: t.TextBody,
		HtmlBody: t.HTMLBody,
	})

	res := s.mailer.Deliver(ctx, msg)
	if res.Err != nil {
		s.log.Error("test email failed",
			"to", t.To,
			"route", string(res.Route),
			"outcome", string(res.Outcome),
			"detail", res.Detail,
		)
		return fmt.Errorf("%w: %w", ErrSendTest, res.Err)
	}

	s.log.Info("test email sent", "to", t.To, "route", string(res.Route))
	return nil
}
