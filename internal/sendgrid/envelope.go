package sendgrid

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/shineum/sendgrid-relay/internal/email"
	"github.com/shineum/sendgrid-relay/internal/settings"
)

// BuildEnvelope maps msg and the current settings to a /mail/send body.
// It performs no I/O.
//
// All recipients go into a single personalization. To, Cc and Bcc keep their
// own lists so SendGrid preserves visibility; the personalization is still
// fanned out as one block.
func BuildEnvelope(msg email.Message, s settings.Settings) *Envelope {
	env := &Envelope{
		From:       resolveFrom(msg, s),
		Subject:    msg.Subject(),
		Categories: Categories(s),
	}

	if replyTo := resolveReplyTo(msg, s); replyTo != "" {
		env.ReplyTo = &Address{Email: replyTo}
	}

	env.Personalizations = []Personalization{{
		To:  apiAddresses(msg.To()),
		Cc:  apiAddresses(msg.Cc()),
		Bcc: apiAddresses(msg.Bcc()),
	}}

	if text := msg.BodyText(); text != "" {
		env.Content = append(env.Content, Content{Type: "text/plain", Value: text})
	}
	if html := msg.BodyHTML(); html != "" {
		env.Content = append(env.Content, Content{Type: "text/html", Value: html})
	}

	for _, att := range msg.Attachments() {
		env.Attachments = append(env.Attachments, Attachment{
			Content:     base64.StdEncoding.EncodeToString(att.Content),
			Type:        att.ContentType,
			Filename:    att.Filename,
			Disposition: "attachment",
		})
	}

	if template := strings.TrimSpace(s.TemplateID); template != "" {
		env.TemplateID = template
	}
	if group := s.ASMGroup(); group != 0 {
		env.ASM = &ASM{GroupID: group}
	}

	return env
}

// Categories returns the default category followed by the configured ones.
func Categories(s settings.Settings) []string {
	return append([]string{DefaultCategory}, s.CategoryList()...)
}

func resolveFrom(msg email.Message, s settings.Settings) Address {
	current := msg.From()
	from := Address{Email: strings.TrimSpace(s.From), Name: current.Name}
	if from.Email == "" {
		from.Email = current.Email
	}
	if name := strings.TrimSpace(s.FromName); name != "" {
		from.Name = name
	}
	return from
}

func resolveReplyTo(msg email.Message, s settings.Settings) string {
	if replyTo := strings.TrimSpace(s.ReplyTo); replyTo != "" {
		return replyTo
	}
	return msg.ReplyTo().Email
}

func apiAddresses(list []email.Address) []Address {
	if len(list) == 0 {
		return nil
	}
	out := make([]Address, 0, len(list))
	for _, a := range list {
		out = append(out, Address{Email: strings.TrimSpace(a.Email), Name: a.Name})
	}
	return out
}

// SMTPAPIHeader is the value of the x-smtpapi header read by the SendGrid
// SMTP relay.
type SMTPAPIHeader struct {
	Category   []string        `json:"category"`
	Filters    *SMTPAPIFilters `json:"filters,omitempty"`
	ASMGroupID int             `json:"asm_group_id,omitempty"`
}

// SMTPAPIFilters holds the app filters enabled for a message.
type SMTPAPIFilters struct {
	Templates TemplateFilter `json:"templates"`
}

type TemplateFilter struct {
	Settings TemplateFilterSettings `json:"settings"`
}

type TemplateFilterSettings struct {
	Enable     int    `json:"enable"`
	TemplateID string `json:"template_id"`
}

// BuildSMTPAPIHeader returns the x-smtpapi value for the settings: every
// category, the templates filter when a template is set, and the
// suppression group when it is non-zero.
func BuildSMTPAPIHeader(s settings.Settings) SMTPAPIHeader {
	h := SMTPAPIHeader{Category: Categories(s)}
	if template := strings.TrimSpace(s.TemplateID); template != "" {
		h.Filters = &SMTPAPIFilters{
			Templates: TemplateFilter{Settings: TemplateFilterSettings{Enable: 1, TemplateID: template}},
		}
	}
	h.ASMGroupID = s.ASMGroup()
	return h
}

// Encode renders the header value as compact JSON.
func (h SMTPAPIHeader) Encode() string {
	data, err := json.Marshal(h)
	if err != nil {
		// only strings and ints; cannot fail
		return "{}"
	}
	return string(data)
}
