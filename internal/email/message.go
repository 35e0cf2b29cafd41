// Package email defines the mail data model shared by the relay listener,
// the SendGrid transport and the vendor providers.
package email

import (
	"net/mail"
	"strings"
)

// Email represents a parsed email message with all its components.
type Email struct {
	From        string
	FromName    string
	ReplyTo     string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	RawHeaders  map[string][]string
	MessageID   string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Address is a mailbox with an optional display name.
type Address struct {
	Name  string
	Email string
}

// String renders the address in RFC 5322 form. An address without a
// display name is returned bare.
func (a Address) String() string {
	if a.Email == "" {
		return ""
	}
	if a.Name == "" {
		return a.Email
	}
	return (&mail.Address{Name: a.Name, Address: a.Email}).String()
}

// IsZero reports whether the address carries no mailbox.
func (a Address) IsZero() bool {
	return strings.TrimSpace(a.Email) == ""
}

// ParseAddress splits "Name <addr>" into an Address. Input that does not
// parse is kept verbatim as the mailbox.
func ParseAddress(raw string) Address {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Address{}
	}
	parsed, err := mail.ParseAddress(raw)
	if err != nil {
		return Address{Email: raw}
	}
	return Address{Name: parsed.Name, Email: parsed.Address}
}
