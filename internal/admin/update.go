package admin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/shineum/sendgrid-relay/internal/sendgrid"
	"github.com/shineum/sendgrid-relay/internal/settings"
)

// Form is a settings update. Nil fields are left untouched.
type Form struct {
	APIKey          *string `json:"apikey"`
	SendMethod      *string `json:"send_method"`
	SMTPPort        *string `json:"smtp_port"`
	From            *string `json:"from"`
	FromName        *string `json:"from_name"`
	ReplyTo         *string `json:"reply_to"`
	Categories      *string `json:"categories"`
	TemplateID      *string `json:"template"`
	ASMGroupID      *string `json:"asm_group_id"`
	StatsCategories *string `json:"stats_categories"`
}

func (f Form) value(key settings.Key) *string {
	switch key {
	case settings.KeyAPIKey:
		return f.APIKey
	case settings.KeySendMethod:
		return f.SendMethod
	case settings.KeySMTPPort:
		return f.SMTPPort
	case settings.KeyFrom:
		return f.From
	case settings.KeyFromName:
		return f.FromName
	case settings.KeyReplyTo:
		return f.ReplyTo
	case settings.KeyCategories:
		return f.Categories
	case settings.KeyTemplateID:
		return f.TemplateID
	case settings.KeyASMGroupID:
		return f.ASMGroupID
	case settings.KeyStatsCategories:
		return f.StatsCategories
	}
	return nil
}

// FieldError describes why one field was not saved, or a warning about a
// field that was.
type FieldError struct {
	Field   settings.Key `json:"field"`
	Message string       `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Report is the outcome of UpdateSettings. Fields validate independently, so
// a report can list saved fields next to rejected ones.
type Report struct {
	Saved    []settings.Key `json:"saved"`
	Errors   []FieldError   `json:"errors"`
	Warnings []FieldError   `json:"warnings"`
}

// OK reports whether every submitted field was accepted.
func (r Report) OK() bool { return len(r.Errors) == 0 }

// Err joins the field errors, or returns nil.
func (r Report) Err() error {
	errs := make([]error, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, e)
	}
	return errors.Join(errs...)
}

func (r *Report) reject(key settings.Key, msg string) {
	r.Errors = append(r.Errors, FieldError{Field: key, Message: msg})
}

func (r *Report) warn(key settings.Key, msg string) {
	r.Warnings = append(r.Warnings, FieldError{Field: key, Message: msg})
}

// UpdateSettings validates and stores each submitted field on its own. The
// API key is handled first so a template in the same form is checked
// against the new key.
func (s *Service) UpdateSettings(ctx context.Context, f Form) Report {
	report := Report{Saved: []settings.Key{}, Errors: []FieldError{}, Warnings: []FieldError{}}

	for _, key := range settings.Keys {
		raw := f.value(key)
		if raw == nil {
			continue
		}

		value, ok := s.check(ctx, key, *raw, &report)
		if !ok {
			continue
		}
		if err := s.store.Set(ctx, key, value); err != nil {
			s.log.Error("failed to save setting", "key", string(key), "error", err)
			report.reject(key, "could not be saved")
			continue
		}
		report.Saved = append(report.Saved, key)
	}

	s.log.Info("settings updated",
		"saved", len(report.Saved),
		"rejected", len(report.Errors),
		"warnings", len(report.Warnings),
	)
	return report
}

// check validates one field and returns the value to store.
func (s *Service) check(ctx context.Context, key settings.Key, raw string, report *Report) (string, bool) {
	value := strings.TrimSpace(raw)

	switch key {
	case settings.KeyAPIKey:
		if value == "" {
			report.warn(key, "API key was set to an empty value")
			return "", true
		}
		s.sg.ForgetScopes(value)
		switch s.sg.CheckAPIKey(ctx, value) {
		case sendgrid.KeyValid:
			return value, true
		case sendgrid.KeyNoScopes:
			report.warn(key, "API key is valid but without the required permissions")
			return "", false
		default:
			report.reject(key, "API key is invalid")
			return "", false
		}

	case settings.KeySendMethod:
		if value != settings.SendMethodAPI && value != settings.SendMethodSMTP {
			report.reject(key, "send method must be api or smtp")
			return "", false
		}
		return value, true

	case settings.KeySMTPPort:
		port, err := strconv.Atoi(value)
		if err != nil || !slices.Contains(settings.AllowedSMTPPorts, port) {
			report.reject(key, "SMTP port must be one of 25, 465 or 587")
			return "", false
		}
		return strconv.Itoa(port), true

	case settings.KeyFrom, settings.KeyReplyTo:
		if value == "" {
			return "", true
		}
		if err := s.validate.Var(value, "email"); err != nil {
			report.reject(key, "address is invalid")
			return "", false
		}
		return value, true

	case settings.KeyTemplateID:
		if value == "" {
			return "", true
		}
		apiKey, err := s.apiKey(ctx)
		if err != nil {
			report.reject(key, "template could not be verified")
			return "", false
		}
		exists, err := s.sg.TemplateExists(ctx, apiKey, value)
		if err != nil {
			s.log.Warn("template lookup failed", "template", value, "error", err)
		}
		if !exists {
			report.reject(key, "template does not exist")
			return "", false
		}
		return value, true
	}

	// from_name, categories, asm_group_id and stats_categories are free text.
	return raw, true
}
