package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/sendgrid-relay/internal/email"
	"github.com/shineum/sendgrid-relay/internal/provider"
	"github.com/shineum/sendgrid-relay/internal/sendgrid"
	"github.com/shineum/sendgrid-relay/internal/settings"
	"github.com/shineum/sendgrid-relay/internal/transport"
)

type fakeAPI struct {
	key   string
	env   *sendgrid.Envelope
	err   error
	calls int
}

func (f *fakeAPI) Send(_ context.Context, key string, env *sendgrid.Envelope) error {
	f.calls++
	f.key = key
	f.env = env
	return f.err
}

type fakeProvider struct {
	name string
	err  error
	sent []*email.Email
	port int
	key  string
}

func (f *fakeProvider) Send(_ context.Context, msg *email.Email) error {
	f.sent = append(f.sent, msg)
	return f.err
}

func (f *fakeProvider) Name() string { return f.name }

type harness struct {
	api    *fakeAPI
	relay  *fakeProvider
	vendor *fakeProvider
	store  *settings.MemoryStore
}

func newTransport(t *testing.T, enabled bool, seed map[settings.Key]string) (*transport.Transport, *harness) {
	t.Helper()
	h := &harness{
		api:    &fakeAPI{},
		relay:  &fakeProvider{name: "sendgrid-smtp"},
		vendor: &fakeProvider{name: "vendor"},
		store:  settings.NewMemoryStore(seed),
	}
	tr := transport.New(transport.Config{
		Enabled: enabled,
		Store:   h.store,
		API:     h.api,
		Relay: func(port int, key string) provider.Provider {
			h.relay.port = port
			h.relay.key = key
			return h.relay
		},
		Vendor: h.vendor,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return tr, h
}

func newMessage() *email.Email {
	return &email.Email{
		From:     "orders@shop.test",
		To:       []string{"alice@example.com"},
		Subject:  "Order #1",
		TextBody: "thanks",
	}
}

func TestDecide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		enabled bool
		s       settings.Settings
		want    transport.Route
	}{
		{"api with key", true, settings.Settings{SendMethod: "api", APIKey: "SG.k"}, transport.RouteAPI},
		{"unset method with key", true, settings.Settings{APIKey: "SG.k"}, transport.RouteAPI},
		{"smtp method", true, settings.Settings{SendMethod: "smtp", APIKey: "SG.k"}, transport.RouteSMTP},
		{"empty key", true, settings.Settings{SendMethod: "api"}, transport.RouteSMTP},
		{"blank key", true, settings.Settings{SendMethod: "api", APIKey: "  "}, transport.RouteSMTP},
		{"disabled", false, settings.Settings{SendMethod: "api", APIKey: "SG.k"}, transport.RouteSMTP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, transport.Decide(tt.enabled, tt.s))
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		s           settings.Settings
		wantFrom    email.Address
		wantReplyTo string
	}{
		{
			name:     "nothing configured",
			wantFrom: email.Address{Name: "Shop", Email: "orders@shop.test"},
		},
		{
			name:     "address only",
			s:        settings.Settings{From: "noreply@store.test"},
			wantFrom: email.Address{Email: "noreply@store.test"},
		},
		{
			name:     "address and name",
			s:        settings.Settings{From: "noreply@store.test", FromName: "Store"},
			wantFrom: email.Address{Name: "Store", Email: "noreply@store.test"},
		},
		{
			name:     "name only keeps address",
			s:        settings.Settings{FromName: "Store"},
			wantFrom: email.Address{Name: "Store", Email: "orders@shop.test"},
		},
		{
			name:        "reply to",
			s:           settings.Settings{ReplyTo: "help@store.test"},
			wantFrom:    email.Address{Name: "Shop", Email: "orders@shop.test"},
			wantReplyTo: "help@store.test",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg := email.Wrap(&email.Email{From: "orders@shop.test", FromName: "Shop"})
			transport.ApplyDefaults(msg, tt.s)

			assert.Equal(t, tt.wantFrom, msg.From())
			assert.Equal(t, tt.wantReplyTo, msg.ReplyTo().Email)
			assert.NotEmpty(t, msg.Header("x-smtpapi"))
		})
	}
}

func TestApplyDefaults_SMTPAPIHeader(t *testing.T) {
	t.Parallel()

	msg := email.Wrap(newMessage())
	transport.ApplyDefaults(msg, settings.Settings{Categories: "a, b,", TemplateID: "d-1", ASMGroupID: "4"})

	var header map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.Header("X-SMTPAPI")), &header))
	assert.Equal(t, []any{sendgrid.DefaultCategory, "a", "b"}, header["category"])
	assert.Contains(t, header, "filters")
	assert.EqualValues(t, 4, header["asm_group_id"])

	// a second application replaces rather than stacks the header
	transport.ApplyDefaults(msg, settings.Settings{})
	assert.Len(t, msg.Email().RawHeaders["X-Smtpapi"], 1)
	assert.NotContains(t, msg.Header("X-Smtpapi"), "filters")
}

func TestDeliver_APIRoute(t *testing.T) {
	t.Parallel()

	tr, h := newTransport(t, true, map[settings.Key]string{
		settings.KeyAPIKey:     "SG.k",
		settings.KeySendMethod: "api",
		settings.KeyFrom:       "noreply@store.test",
		settings.KeyCategories: "orders",
	})

	res := tr.Deliver(context.Background(), email.Wrap(newMessage()))

	require.NoError(t, res.Err)
	assert.Equal(t, transport.OutcomeSent, res.Outcome)
	assert.Equal(t, transport.RouteAPI, res.Route)
	assert.Equal(t, 1, h.api.calls)
	assert.Equal(t, "SG.k", h.api.key)
	assert.Equal(t, "noreply@store.test", h.api.env.From.Email)
	assert.Equal(t, []string{sendgrid.DefaultCategory, "orders"}, h.api.env.Categories)
	assert.Empty(t, h.relay.sent)
	assert.Empty(t, h.vendor.sent)
}

func TestDeliver_APIFailureCarriesBody(t *testing.T) {
	t.Parallel()

	tr, h := newTransport(t, true, map[settings.Key]string{
		settings.KeyAPIKey:     "SG.k",
		settings.KeySendMethod: "api",
	})
	h.api.err = &sendgrid.APIError{StatusCode: 400, Body: `{"errors":[{"message":"bad"}]}`}

	res := tr.Deliver(context.Background(), email.Wrap(newMessage()))

	assert.Equal(t, transport.OutcomeUpstreamFailure, res.Outcome)
	var derr *transport.DeliveryError
	require.ErrorAs(t, res.Err, &derr)
	assert.Equal(t, 400, derr.StatusCode)
	assert.Equal(t, `{"errors":[{"message":"bad"}]}`, derr.Detail)
	assert.Contains(t, res.Err.Error(), "bad")
	assert.False(t, provider.IsPermanent(res.Err))
}

func TestDeliver_SendGridRelay(t *testing.T) {
	t.Parallel()

	tr, h := newTransport(t, true, map[settings.Key]string{
		settings.KeyAPIKey:     "SG.k",
		settings.KeySendMethod: "smtp",
		settings.KeySMTPPort:   "465",
	})

	msg := newMessage()
	res := tr.Deliver(context.Background(), email.Wrap(msg))

	require.NoError(t, res.Err)
	assert.Equal(t, transport.RouteSMTP, res.Route)
	assert.Equal(t, "sendgrid-smtp", res.Upstream)
	assert.Equal(t, 465, h.relay.port)
	assert.Equal(t, "SG.k", h.relay.key)
	require.Len(t, h.relay.sent, 1)
	assert.NotEmpty(t, h.relay.sent[0].RawHeaders["X-Smtpapi"])
	assert.Zero(t, h.api.calls)
}

func TestDeliver_EmptyKeyUsesVendor(t *testing.T) {
	t.Parallel()

	tr, h := newTransport(t, true, map[settings.Key]string{settings.KeySendMethod: "api"})

	res := tr.Deliver(context.Background(), email.Wrap(newMessage()))

	require.NoError(t, res.Err)
	assert.Equal(t, transport.RouteSMTP, res.Route)
	assert.Equal(t, "vendor", res.Upstream)
	assert.Len(t, h.vendor.sent, 1)
}

func TestDeliver_DisabledBypassesSendGrid(t *testing.T) {
	t.Parallel()

	tr, h := newTransport(t, false, map[settings.Key]string{
		settings.KeyAPIKey:     "SG.k",
		settings.KeySendMethod: "api",
		settings.KeyFrom:       "noreply@store.test",
	})

	msg := newMessage()
	res := tr.Deliver(context.Background(), email.Wrap(msg))

	require.NoError(t, res.Err)
	assert.Equal(t, transport.RouteSMTP, res.Route)
	require.Len(t, h.vendor.sent, 1)
	assert.Equal(t, "orders@shop.test", h.vendor.sent[0].From, "disabled integration must not rewrite the sender")
	assert.Empty(t, h.vendor.sent[0].RawHeaders["X-Smtpapi"])
	assert.Zero(t, h.api.calls)
	assert.Empty(t, h.relay.sent)
}

func TestDeliver_InvalidMessage(t *testing.T) {
	t.Parallel()

	tests := map[string]*email.Email{
		"no sender":     {To: []string{"a@example.com"}, TextBody: "x"},
		"no recipients": {From: "orders@shop.test", TextBody: "x"},
		"empty body":    {From: "orders@shop.test", To: []string{"a@example.com"}},
	}

	for name, msg := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			tr, h := newTransport(t, true, map[settings.Key]string{settings.KeyAPIKey: "SG.k"})

			res := tr.Deliver(context.Background(), email.Wrap(msg))

			assert.Equal(t, transport.OutcomeInvalid, res.Outcome)
			assert.ErrorIs(t, res.Err, transport.ErrInvalidMessage)
			assert.True(t, provider.IsPermanent(res.Err))
			assert.Zero(t, h.api.calls)
		})
	}
}

func TestDeliver_TemplateAllowsEmptyBody(t *testing.T) {
	t.Parallel()

	tr, h := newTransport(t, true, map[settings.Key]string{
		settings.KeyAPIKey:     "SG.k",
		settings.KeyTemplateID: "d-1",
	})

	res := tr.Deliver(context.Background(), email.Wrap(&email.Email{From: "orders@shop.test", To: []string{"a@example.com"}}))

	require.NoError(t, res.Err)
	assert.Equal(t, "d-1", h.api.env.TemplateID)
}

func TestDeliver_VendorFailure(t *testing.T) {
	t.Parallel()

	tr, h := newTransport(t, false, nil)
	h.vendor.err = errors.New("connection refused")

	err := tr.Send(context.Background(), newMessage())

	var derr *transport.DeliveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "vendor", derr.Upstream)
	assert.Zero(t, derr.StatusCode)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestTransport_Name(t *testing.T) {
	t.Parallel()

	tr, _ := newTransport(t, true, nil)
	assert.Equal(t, "sendgrid", tr.Name())
}
