package email

import (
	"net/textproto"
	"strings"
)

// Message is the capability set the transport needs from an outgoing mail.
// The transport reads most of it and only writes headers, From and Reply-To.
type Message interface {
	From() Address
	SetFrom(Address)
	ReplyTo() Address
	SetReplyTo(Address)
	To() []Address
	Cc() []Address
	Bcc() []Address
	Subject() string
	BodyText() string
	BodyHTML() string
	Header(key string) string
	AddHeader(key, value string)
	Attachments() []Attachment
	// Raw renders the message as RFC 5322 bytes for SMTP delivery.
	Raw() ([]byte, error)
	// Email exposes the underlying value for providers that take *Email.
	Email() *Email
}

// Wrap adapts a parsed *Email to the Message interface. Mutations made
// through the adapter are visible on e.
func Wrap(e *Email) Message {
	if e.RawHeaders == nil {
		e.RawHeaders = make(map[string][]string)
	}
	return &parsedMessage{e: e}
}

type parsedMessage struct {
	e *Email
}

func (m *parsedMessage) From() Address {
	addr := ParseAddress(m.e.From)
	if m.e.FromName != "" {
		addr.Name = m.e.FromName
	}
	return addr
}

func (m *parsedMessage) SetFrom(a Address) {
	m.e.From = a.Email
	m.e.FromName = a.Name
}

func (m *parsedMessage) ReplyTo() Address { return ParseAddress(m.e.ReplyTo) }

func (m *parsedMessage) SetReplyTo(a Address) { m.e.ReplyTo = a.String() }

func (m *parsedMessage) To() []Address  { return toAddresses(m.e.To) }
func (m *parsedMessage) Cc() []Address  { return toAddresses(m.e.Cc) }
func (m *parsedMessage) Bcc() []Address { return toAddresses(m.e.Bcc) }

func (m *parsedMessage) Subject() string  { return strings.TrimSpace(m.e.Subject) }
func (m *parsedMessage) BodyText() string { return m.e.TextBody }
func (m *parsedMessage) BodyHTML() string { return m.e.HtmlBody }

func (m *parsedMessage) Header(key string) string {
	values := m.e.RawHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// AddHeader replaces any previous value so repeated sends of the same
// message do not stack headers.
func (m *parsedMessage) AddHeader(key, value string) {
	m.e.RawHeaders[textproto.CanonicalMIMEHeaderKey(key)] = []string{value}
}

func (m *parsedMessage) Attachments() []Attachment { return m.e.Attachments }

func (m *parsedMessage) Raw() ([]byte, error) { return Render(m.e) }

func (m *parsedMessage) Email() *Email { return m.e }

func toAddresses(list []string) []Address {
	out := make([]Address, 0, len(list))
	for _, raw := range list {
		addr := ParseAddress(raw)
		if addr.IsZero() {
			continue
		}
		out = append(out, addr)
	}
	return out
}
