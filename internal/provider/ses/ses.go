// Package ses implements a vendor relay Provider that sends through AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/sendgrid-relay/internal/email"
	"github.com/shineum/sendgrid-relay/internal/provider"
)

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// Config holds the configuration for creating a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Sender is used when a message carries no From address.
	Sender string
	// MaxRetries bounds additional attempts after a failed SendEmail call.
	MaxRetries int
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Provider sends mail via the AWS SES v2 API.
type Provider struct {
	sender     string
	maxRetries int
	client     SendEmailAPI
}

// New creates a Provider, loading AWS credentials from cfg or the default
// chain.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Provider with a custom client, used for testing.
func NewWithClient(cfg Config, client SendEmailAPI) *Provider {
	return &Provider{
		sender:     cfg.Sender,
		maxRetries: cfg.MaxRetries,
		client:     client,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

// Send delivers msg. Messages with attachments or extra headers such as
// x-smtpapi go out as raw MIME; the rest use the simple content format.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	input, err := p.buildInput(msg)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", p.maxRetries,
			)
			if err := sleepWithContext(ctx, backoffDelay(attempt)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		_, err := p.client.SendEmail(ctx, input)
		if err == nil {
			return nil
		}
		lastErr = err
		slog.Warn("SES API error", "attempt", attempt, "error", err)
	}

	return fmt.Errorf("SES API request failed after %d attempts: %w", p.maxRetries+1, lastErr)
}

func (p *Provider) buildInput(msg *email.Email) (*sesv2.SendEmailInput, error) {
	from := email.Address{Name: msg.FromName, Email: email.ParseAddress(msg.From).Email}
	if from.Email == "" {
		from = email.ParseAddress(p.sender)
	}
	if from.Email == "" {
		return nil, provider.Permanent(errors.New("ses: sender address is required"))
	}
	if len(msg.To)+len(msg.Cc)+len(msg.Bcc) == 0 {
		return nil, provider.Permanent(errors.New("ses: at least one recipient is required"))
	}

	if len(msg.Attachments) == 0 && len(msg.RawHeaders) == 0 {
		return buildSimpleInput(from, msg), nil
	}

	withSender := *msg
	withSender.From = from.Email
	withSender.FromName = from.Name
	raw, err := email.Render(&withSender)
	if err != nil {
		return nil, fmt.Errorf("failed to build raw message: %w", err)
	}
	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from.String()),
		Destination:      destination(msg),
		Content:          &types.EmailContent{Raw: &types.RawMessage{Data: raw}},
	}, nil
}

// buildSimpleInput creates a SendEmailInput using the SES simple format.
func buildSimpleInput(from email.Address, msg *email.Email) *sesv2.SendEmailInput {
	body := &types.Body{}
	if msg.HtmlBody != "" {
		body.Html = &types.Content{Data: aws.String(msg.HtmlBody), Charset: aws.String("UTF-8")}
	}
	if msg.TextBody != "" {
		body.Text = &types.Content{Data: aws.String(msg.TextBody), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from.String()),
		Destination:      destination(msg),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	}
	if replyTo := email.ParseAddress(msg.ReplyTo); !replyTo.IsZero() {
		input.ReplyToAddresses = []string{replyTo.String()}
	}
	return input
}

func destination(msg *email.Email) *types.Destination {
	return &types.Destination{
		ToAddresses:  msg.To,
		CcAddresses:  msg.Cc,
		BccAddresses: msg.Bcc,
	}
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func backoffDelay(attempt int) time.Duration {
	return baseRetryDelay << (attempt - 1)
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
