package sendgrid_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/sendgrid-relay/internal/email"
	"github.com/shineum/sendgrid-relay/internal/sendgrid"
	"github.com/shineum/sendgrid-relay/internal/settings"
)

func sampleMessage() email.Message {
	return email.Wrap(&email.Email{
		From:     "shop@example.com",
		FromName: "Shop",
		To:       []string{"Alice <alice@example.com>", "bob@example.com"},
		Cc:       []string{"carol@example.com"},
		Bcc:      []string{"audit@example.com"},
		Subject:  "  Your order  ",
		TextBody: "plain body",
		HtmlBody: "<p>html body</p>",
	})
}

func TestBuildEnvelope_Recipients(t *testing.T) {
	t.Parallel()

	env := sendgrid.BuildEnvelope(sampleMessage(), settings.Settings{})

	require.Len(t, env.Personalizations, 1)
	p := env.Personalizations[0]
	assert.Equal(t, []sendgrid.Address{
		{Email: "alice@example.com", Name: "Alice"},
		{Email: "bob@example.com"},
	}, p.To)
	assert.Equal(t, []sendgrid.Address{{Email: "carol@example.com"}}, p.Cc)
	assert.Equal(t, []sendgrid.Address{{Email: "audit@example.com"}}, p.Bcc)
	assert.Equal(t, "Your order", env.Subject)
}

func TestBuildEnvelope_ContentOrder(t *testing.T) {
	t.Parallel()

	env := sendgrid.BuildEnvelope(sampleMessage(), settings.Settings{})

	require.Len(t, env.Content, 2)
	assert.Equal(t, "text/plain", env.Content[0].Type)
	assert.Equal(t, "text/html", env.Content[1].Type)
}

func TestBuildEnvelope_PlainTextOnly(t *testing.T) {
	t.Parallel()

	msg := email.Wrap(&email.Email{
		From:     "shop@example.com",
		To:       []string{"alice@example.com"},
		TextBody: "hello",
	})
	env := sendgrid.BuildEnvelope(msg, settings.Settings{})

	require.Len(t, env.Content, 1)
	assert.Equal(t, sendgrid.Content{Type: "text/plain", Value: "hello"}, env.Content[0])
}

func TestBuildEnvelope_SenderFromSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		settings    settings.Settings
		wantFrom    sendgrid.Address
		wantReplyTo *sendgrid.Address
	}{
		{
			name:     "message values when unset",
			wantFrom: sendgrid.Address{Email: "shop@example.com", Name: "Shop"},
		},
		{
			name:     "settings override",
			settings: settings.Settings{From: "noreply@store.test", FromName: "Store", ReplyTo: "help@store.test"},
			wantFrom: sendgrid.Address{Email: "noreply@store.test", Name: "Store"},
			wantReplyTo: &sendgrid.Address{
				Email: "help@store.test",
			},
		},
		{
			name:     "name only",
			settings: settings.Settings{FromName: "Store"},
			wantFrom: sendgrid.Address{Email: "shop@example.com", Name: "Store"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := sendgrid.BuildEnvelope(sampleMessage(), tt.settings)
			assert.Equal(t, tt.wantFrom, env.From)
			assert.Equal(t, tt.wantReplyTo, env.ReplyTo)
		})
	}
}

func TestBuildEnvelope_Categories(t *testing.T) {
	t.Parallel()

	env := sendgrid.BuildEnvelope(sampleMessage(), settings.Settings{Categories: "a, b,"})
	assert.Equal(t, []string{sendgrid.DefaultCategory, "a", "b"}, env.Categories)
}

func TestBuildEnvelope_TemplateAndGroup(t *testing.T) {
	t.Parallel()

	env := sendgrid.BuildEnvelope(sampleMessage(), settings.Settings{TemplateID: " d-1 ", ASMGroupID: "12"})
	assert.Equal(t, "d-1", env.TemplateID)
	require.NotNil(t, env.ASM)
	assert.Equal(t, 12, env.ASM.GroupID)

	for _, group := range []string{"", "0", "x"} {
		env := sendgrid.BuildEnvelope(sampleMessage(), settings.Settings{ASMGroupID: group})
		assert.Nil(t, env.ASM, "group %q", group)
		assert.Empty(t, env.TemplateID)
	}
}

func TestBuildEnvelope_Attachments(t *testing.T) {
	t.Parallel()

	msg := email.Wrap(&email.Email{
		From:     "shop@example.com",
		To:       []string{"alice@example.com"},
		TextBody: "see attached",
		Attachments: []email.Attachment{
			{Filename: "invoice.pdf", ContentType: "application/pdf", Content: []byte("PDF")},
		},
	})
	env := sendgrid.BuildEnvelope(msg, settings.Settings{})

	require.Len(t, env.Attachments, 1)
	assert.Equal(t, sendgrid.Attachment{
		Content:     "UERG",
		Type:        "application/pdf",
		Filename:    "invoice.pdf",
		Disposition: "attachment",
	}, env.Attachments[0])
}

func TestEnvelope_JSONOmitsEmpty(t *testing.T) {
	t.Parallel()

	msg := email.Wrap(&email.Email{
		From:     "shop@example.com",
		To:       []string{"alice@example.com"},
		TextBody: "hi",
	})
	data, err := json.Marshal(sendgrid.BuildEnvelope(msg, settings.Settings{}))
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, absent := range []string{"reply_to", "template_id", "asm", "attachments", "subject"} {
		assert.NotContains(t, fields, absent)
	}
	assert.NotContains(t, string(data), "null")
}

func TestBuildSMTPAPIHeader(t *testing.T) {
	t.Parallel()

	t.Run("categories only", func(t *testing.T) {
		t.Parallel()
		h := sendgrid.BuildSMTPAPIHeader(settings.Settings{Categories: "a, b,"})
		assert.JSONEq(t, `{"category":["magento2_sendgrid_plugin","a","b"]}`, h.Encode())
	})

	t.Run("template filter and group", func(t *testing.T) {
		t.Parallel()
		h := sendgrid.BuildSMTPAPIHeader(settings.Settings{TemplateID: "d-9", ASMGroupID: "3"})
		assert.JSONEq(t, `{
			"category": ["magento2_sendgrid_plugin"],
			"filters": {"templates": {"settings": {"enable": 1, "template_id": "d-9"}}},
			"asm_group_id": 3
		}`, h.Encode())
	})

	t.Run("blank template has no filter", func(t *testing.T) {
		t.Parallel()
		h := sendgrid.BuildSMTPAPIHeader(settings.Settings{TemplateID: "  "})
		assert.Nil(t, h.Filters)
		assert.NotContains(t, h.Encode(), "filters")
	})
}
