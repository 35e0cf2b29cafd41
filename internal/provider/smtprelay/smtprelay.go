// Package smtprelay implements a Provider that forwards mail to an upstream
// SMTP server with optional AUTH LOGIN and TLS.
package smtprelay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/sendgrid-relay/internal/email"
)

// Security selects how the connection to the relay is protected.
type Security string

const (
	// SecurityNone sends in clear text. Only useful against local relays.
	SecurityNone Security = "none"
	// SecurityStartTLS upgrades a plain connection and fails if the server
	// does not offer STARTTLS.
	SecurityStartTLS Security = "starttls"
	// SecurityImplicit opens a TLS connection before the SMTP greeting.
	SecurityImplicit Security = "tls"
)

// SecurityForPort returns implicit TLS for 465 and STARTTLS otherwise.
func SecurityForPort(port int) Security {
	if port == 465 {
		return SecurityImplicit
	}
	return SecurityStartTLS
}

// Config holds the connection settings of one upstream relay.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Security Security
	// HeloName is the EHLO identity. Defaults to "localhost".
	HeloName string
	Timeout  time.Duration
	// TLSConfig overrides the client TLS settings. ServerName defaults to Host.
	TLSConfig *tls.Config
	// Name overrides the provider name reported in logs.
	Name string
}

// Dialer abstracts net.Dialer for testing.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Provider delivers mail over SMTP to a fixed upstream.
type Provider struct {
	cfg    Config
	dialer Dialer
}

// New creates a Provider for cfg.
func New(cfg Config) *Provider {
	if cfg.HeloName == "" {
		cfg.HeloName = "localhost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Security == "" {
		cfg.Security = SecurityForPort(cfg.Port)
	}
	return &Provider{
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: cfg.Timeout},
	}
}

// NewWithDialer creates a Provider that connects through d, used for testing.
func NewWithDialer(cfg Config, d Dialer) *Provider {
	p := New(cfg)
	p.dialer = d
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string {
	if p.cfg.Name != "" {
		return p.cfg.Name
	}
	return "smtp-relay"
}

// Addr returns host:port of the upstream.
func (p *Provider) Addr() string {
	return net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
}

// Send renders msg and delivers it to every To, Cc and Bcc recipient.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	from := email.ParseAddress(msg.From).Email
	if from == "" {
		return errors.New("smtp relay: sender address is required")
	}

	recipients := envelopeRecipients(msg)
	if len(recipients) == 0 {
		return errors.New("smtp relay: at least one recipient is required")
	}

	raw, err := email.Render(msg)
	if err != nil {
		return fmt.Errorf("failed to render message: %w", err)
	}

	slog.Debug("relaying message",
		"provider", p.Name(),
		"addr", p.Addr(),
		"security", string(p.cfg.Security),
		"recipients", len(recipients),
	)

	return p.deliver(ctx, from, recipients, raw)
}

func (p *Provider) deliver(ctx context.Context, from string, recipients []string, raw []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	conn, err := p.dialer.DialContext(ctx, "tcp", p.Addr())
	if err != nil {
		return fmt.Errorf("smtp relay: dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if p.cfg.Security == SecurityImplicit {
		tlsConn := tls.Client(conn, p.tlsConfig())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return fmt.Errorf("smtp relay: tls handshake: %w", err)
		}
		conn = tlsConn
	}

	client, err := smtp.NewClient(conn, p.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp relay: greeting: %w", err)
	}
	defer client.Close()

	if err := client.Hello(p.cfg.HeloName); err != nil {
		return fmt.Errorf("smtp relay: hello: %w", err)
	}

	if p.cfg.Security == SecurityStartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return errors.New("smtp relay: server does not offer STARTTLS")
		}
		if err := client.StartTLS(p.tlsConfig()); err != nil {
			return fmt.Errorf("smtp relay: starttls: %w", err)
		}
	}

	if p.cfg.Username != "" {
		if err := client.Auth(LoginAuth(p.cfg.Username, p.cfg.Password)); err != nil {
			return fmt.Errorf("smtp relay: auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtp relay: mail from: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp relay: rcpt to %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp relay: data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp relay: data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp relay: data close: %w", err)
	}

	if err := client.Quit(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("smtp relay: quit: %w", err)
	}
	return nil
}

func (p *Provider) tlsConfig() *tls.Config {
	var cfg *tls.Config
	if p.cfg.TLSConfig != nil {
		cfg = p.cfg.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = p.cfg.Host
	}
	return cfg
}

// envelopeRecipients returns the bare, de-duplicated addresses of all
// recipients in To, Cc, Bcc order.
func envelopeRecipients(msg *email.Email) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, group := range [][]string{msg.To, msg.Cc, msg.Bcc} {
		for _, raw := range group {
			addr := strings.TrimSpace(email.ParseAddress(raw).Email)
			if addr == "" {
				continue
			}
			key := strings.ToLower(addr)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}
