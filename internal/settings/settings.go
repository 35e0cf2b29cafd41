// Package settings persists the SendGrid integration settings as key/value
// rows and exposes a typed snapshot of them.
//
// A key without a stored row reads as the empty string; callers treat ""
// and "unset" identically. Writes create the row on first use and update it
// in place afterwards. There is no delete path.
package settings

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Key names a single setting row.
type Key string

const (
	KeyAPIKey          Key = "apikey"
	KeySendMethod      Key = "send_method"
	KeySMTPPort        Key = "smtp_port"
	KeyFrom            Key = "from"
	KeyFromName        Key = "from_name"
	KeyReplyTo         Key = "reply_to"
	KeyCategories      Key = "categories"
	KeyTemplateID      Key = "template"
	KeyASMGroupID      Key = "asm_group_id"
	KeyStatsCategories Key = "stats_categories"
)

// Keys lists every setting in form order.
var Keys = []Key{
	KeyAPIKey, KeySendMethod, KeySMTPPort, KeyFrom, KeyFromName, KeyReplyTo,
	KeyCategories, KeyTemplateID, KeyASMGroupID, KeyStatsCategories,
}

// Send methods accepted for KeySendMethod.
const (
	SendMethodAPI  = "api"
	SendMethodSMTP = "smtp"
)

// SMTP ports accepted for KeySMTPPort.
const (
	PortTLS            = 587
	PortTLSAlternative = 25
	PortSSL            = 465
)

// AllowedSMTPPorts lists the relay ports in preference order.
var AllowedSMTPPorts = []int{PortTLS, PortTLSAlternative, PortSSL}

// Store is a key/value accessor over persisted settings.
type Store interface {
	// Get returns the stored value, or "" when no row exists.
	Get(ctx context.Context, key Key) (string, error)
	// Set durably stores value under key.
	Set(ctx context.Context, key Key, value string) error
}

// Settings is a point-in-time snapshot of every setting.
type Settings struct {
	APIKey          string `json:"apikey"`
	SendMethod      string `json:"send_method"`
	SMTPPort        string `json:"smtp_port"`
	From            string `json:"from"`
	FromName        string `json:"from_name"`
	ReplyTo         string `json:"reply_to"`
	Categories      string `json:"categories"`
	TemplateID      string `json:"template"`
	ASMGroupID      string `json:"asm_group_id"`
	StatsCategories string `json:"stats_categories"`
}

// Load reads every key from store into a Settings value.
func Load(ctx context.Context, store Store) (Settings, error) {
	var s Settings
	for _, key := range Keys {
		value, err := store.Get(ctx, key)
		if err != nil {
			return Settings{}, fmt.Errorf("failed to load setting %q: %w", key, err)
		}
		*s.field(key) = value
	}
	return s, nil
}

// Value returns the raw value stored for key.
func (s Settings) Value(key Key) string {
	if f := s.field(key); f != nil {
		return *f
	}
	return ""
}

func (s *Settings) field(key Key) *string {
	switch key {
	case KeyAPIKey:
		return &s.APIKey
	case KeySendMethod:
		return &s.SendMethod
	case KeySMTPPort:
		return &s.SMTPPort
	case KeyFrom:
		return &s.From
	case KeyFromName:
		return &s.FromName
	case KeyReplyTo:
		return &s.ReplyTo
	case KeyCategories:
		return &s.Categories
	case KeyTemplateID:
		return &s.TemplateID
	case KeyASMGroupID:
		return &s.ASMGroupID
	case KeyStatsCategories:
		return &s.StatsCategories
	}
	return nil
}

// CategoryList splits the configured categories on commas, trimming each
// entry and dropping empty ones.
func (s Settings) CategoryList() []string {
	return SplitList(s.Categories)
}

// StatsCategoryList is CategoryList for the statistics categories.
func (s Settings) StatsCategoryList() []string {
	return SplitList(s.StatsCategories)
}

// ASMGroup returns the suppression group id, or 0 when unset or not an
// integer.
func (s Settings) ASMGroup() int {
	id, err := strconv.Atoi(strings.TrimSpace(s.ASMGroupID))
	if err != nil {
		return 0
	}
	return id
}

// Port returns the SMTP relay port, defaulting to 587.
func (s Settings) Port() int {
	port, err := strconv.Atoi(strings.TrimSpace(s.SMTPPort))
	if err != nil || port == 0 {
		return PortTLS
	}
	return port
}

// SplitList splits a comma-joined list, trimming entries and dropping
// empty ones.
func SplitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
