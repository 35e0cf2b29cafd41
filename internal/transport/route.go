// Package transport decides how each outgoing message reaches SendGrid and
// delivers it over the chosen path.
package transport

import (
	"strings"

	"github.com/shineum/sendgrid-relay/internal/email"
	"github.com/shineum/sendgrid-relay/internal/sendgrid"
	"github.com/shineum/sendgrid-relay/internal/settings"
)

// Route is the delivery path chosen for one send.
type Route string

const (
	RouteAPI  Route = "api"
	RouteSMTP Route = "smtp"
)

// Decide picks the delivery path. A disabled integration always relays over
// SMTP through the vendor relay and ignores the API key. Otherwise the SMTP
// method or an empty key selects SMTP and everything else uses the HTTP API.
func Decide(enabled bool, s settings.Settings) Route {
	if !enabled {
		return RouteSMTP
	}
	if s.SendMethod == settings.SendMethodSMTP || strings.TrimSpace(s.APIKey) == "" {
		return RouteSMTP
	}
	return RouteAPI
}

// ApplyDefaults rewrites msg with the configured sender values and attaches
// the x-smtpapi header. The transport applies it before every send while the
// integration is enabled.
func ApplyDefaults(msg email.Message, s settings.Settings) {
	msg.AddHeader("X-Smtpapi", sendgrid.BuildSMTPAPIHeader(s).Encode())

	from := strings.TrimSpace(s.From)
	fromName := strings.TrimSpace(s.FromName)

	switch {
	case from != "" && fromName != "":
		msg.SetFrom(email.Address{Name: fromName, Email: from})
	case from != "":
		msg.SetFrom(email.Address{Email: from})
	case fromName != "":
		current := msg.From()
		msg.SetFrom(email.Address{Name: fromName, Email: current.Email})
	}

	if replyTo := strings.TrimSpace(s.ReplyTo); replyTo != "" {
		msg.SetReplyTo(email.Address{Email: replyTo})
	}
}
