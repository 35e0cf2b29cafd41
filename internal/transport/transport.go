package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shineum/sendgrid-relay/internal/email"
	"github.com/shineum/sendgrid-relay/internal/provider"
	"github.com/shineum/sendgrid-relay/internal/provider/smtprelay"
	"github.com/shineum/sendgrid-relay/internal/sendgrid"
	"github.com/shineum/sendgrid-relay/internal/settings"
)

const (
	// SendGridSMTPHost is the SendGrid SMTP relay.
	SendGridSMTPHost = "smtp.sendgrid.net"
	// SendGridSMTPUser is the fixed relay username; the API key is the password.
	SendGridSMTPUser = "apikey"
)

// Outcome classifies a delivery attempt.
type Outcome string

const (
	OutcomeSent            Outcome = "sent"
	OutcomeInvalid         Outcome = "invalid"
	OutcomeUpstreamFailure Outcome = "upstream_failure"
)

// Result describes one delivery attempt.
type Result struct {
	Outcome  Outcome
	Route    Route
	Upstream string
	Detail   string
	Err      error
}

// APISender submits envelopes to the SendGrid HTTP API.
type APISender interface {
	Send(ctx context.Context, key string, env *sendgrid.Envelope) error
}

// RelayFactory builds the SendGrid SMTP relay for the configured port and key.
type RelayFactory func(port int, apiKey string) provider.Provider

// SendGridRelay returns a RelayFactory dialing smtp.sendgrid.net with AUTH
// LOGIN as "apikey". Port 465 uses implicit TLS, the others STARTTLS.
func SendGridRelay(tlsConfig *tls.Config) RelayFactory {
	return func(port int, apiKey string) provider.Provider {
		return smtprelay.New(smtprelay.Config{
			Host:      SendGridSMTPHost,
			Port:      port,
			Username:  SendGridSMTPUser,
			Password:  apiKey,
			Security:  smtprelay.SecurityForPort(port),
			TLSConfig: tlsConfig,
			Name:      "sendgrid-smtp",
		})
	}
}

// Config holds the collaborators of a Transport.
type Config struct {
	// Enabled switches the SendGrid integration on. When false every message
	// goes to Vendor untouched.
	Enabled bool
	Store   settings.Store
	API     APISender
	Relay   RelayFactory
	// Vendor is the fallback relay used when the integration is disabled or
	// no API key is configured.
	Vendor provider.Provider
	Logger *slog.Logger
}

// Transport routes each message to the HTTP API, the SendGrid SMTP relay or
// the vendor relay. No retries are attempted.
type Transport struct {
	enabled bool
	store   settings.Store
	api     APISender
	relay   RelayFactory
	vendor  provider.Provider
	log     *slog.Logger
}

// New creates a Transport from cfg.
func New(cfg Config) *Transport {
	if cfg.Relay == nil {
		cfg.Relay = SendGridRelay(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{
		enabled: cfg.Enabled,
		store:   cfg.Store,
		api:     cfg.API,
		relay:   cfg.Relay,
		vendor:  cfg.Vendor,
		log:     cfg.Logger,
	}
}

// Name returns the provider name.
func (t *Transport) Name() string {
	return "sendgrid"
}

// Send implements provider.Provider.
func (t *Transport) Send(ctx context.Context, msg *email.Email) error {
	return t.Deliver(ctx, email.Wrap(msg)).Err
}

// Deliver loads the current settings, applies the defaults and sends msg over
// the chosen route.
func (t *Transport) Deliver(ctx context.Context, msg email.Message) Result {
	s, err := settings.Load(ctx, t.store)
	if err != nil {
		return Result{
			Outcome: OutcomeUpstreamFailure,
			Detail:  err.Error(),
			Err:     fmt.Errorf("failed to load settings: %w", err),
		}
	}

	route := Decide(t.enabled, s)
	if t.enabled {
		ApplyDefaults(msg, s)
	}

	if err := validate(msg, route, s); err != nil {
		t.log.Warn("message rejected", "route", string(route), "error", err)
		return Result{Outcome: OutcomeInvalid, Route: route, Detail: err.Error(), Err: err}
	}

	var upstream string
	switch {
	case route == RouteAPI:
		upstream = "sendgrid-api"
		err = t.sendAPI(ctx, msg, s)
	case !t.enabled || strings.TrimSpace(s.APIKey) == "":
		upstream, err = t.sendVendor(ctx, msg)
	default:
		relay := t.relay(s.Port(), strings.TrimSpace(s.APIKey))
		upstream = relay.Name()
		err = relay.Send(ctx, msg.Email())
	}

	if err != nil {
		derr := newDeliveryError(route, upstream, err)
		t.log.Error("delivery failed",
			"route", string(route),
			"upstream", upstream,
			"status", derr.StatusCode,
			"error", err,
		)
		return Result{
			Outcome:  OutcomeUpstreamFailure,
			Route:    route,
			Upstream: upstream,
			Detail:   derr.Detail,
			Err:      derr,
		}
	}

	t.log.Info("message delivered",
		"route", string(route),
		"upstream", upstream,
		"recipients", len(msg.To())+len(msg.Cc())+len(msg.Bcc()),
	)
	return Result{Outcome: OutcomeSent, Route: route, Upstream: upstream}
}

func (t *Transport) sendAPI(ctx context.Context, msg email.Message, s settings.Settings) error {
	if t.api == nil {
		return errors.New("no SendGrid API client configured")
	}
	return t.api.Send(ctx, strings.TrimSpace(s.APIKey), sendgrid.BuildEnvelope(msg, s))
}

func (t *Transport) sendVendor(ctx context.Context, msg email.Message) (string, error) {
	if t.vendor == nil {
		return "vendor", errors.New("no vendor relay configured")
	}
	return t.vendor.Name(), t.vendor.Send(ctx, msg.Email())
}

// validate runs the local checks that make a send pointless.
func validate(msg email.Message, route Route, s settings.Settings) error {
	if msg.From().Email == "" {
		return provider.Permanent(fmt.Errorf("%w: missing sender address", ErrInvalidMessage))
	}
	if len(msg.To())+len(msg.Cc())+len(msg.Bcc()) == 0 {
		return provider.Permanent(fmt.Errorf("%w: no recipients", ErrInvalidMessage))
	}
	if route == RouteAPI && msg.BodyText() == "" && msg.BodyHTML() == "" && strings.TrimSpace(s.TemplateID) == "" {
		return provider.Permanent(fmt.Errorf("%w: empty body", ErrInvalidMessage))
	}
	return nil
}

func newDeliveryError(route Route, upstream string, err error) *DeliveryError {
	derr := &DeliveryError{Route: route, Upstream: upstream, Detail: err.Error(), Err: err}
	var apiErr *sendgrid.APIError
	if errors.As(err, &apiErr) {
		derr.StatusCode = apiErr.StatusCode
		derr.Detail = apiErr.Body
	}
	return derr
}
