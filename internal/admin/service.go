// Package admin implements the operator-facing operations: settings updates
// with per-field validation, test emails, suppression groups and statistics.
package admin

import (
	"context"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/shineum/sendgrid-relay/internal/email"
	"github.com/shineum/sendgrid-relay/internal/sendgrid"
	"github.com/shineum/sendgrid-relay/internal/settings"
	"github.com/shineum/sendgrid-relay/internal/transport"
)

// SendGrid is the subset of the API client used by the admin operations.
type SendGrid interface {
	CheckAPIKey(ctx context.Context, key string) sendgrid.KeyStatus
	ForgetScopes(key string)
	TemplateExists(ctx context.Context, key, id string) (bool, error)
	ASMGroups(ctx context.Context, key string) ([]sendgrid.ASMGroup, error)
	CategoryStats(ctx context.Context, key, category, start, end string) ([]sendgrid.StatsEntry, error)
}

// Mailer delivers a message through the configured transport.
type Mailer interface {
	Deliver(ctx context.Context, msg email.Message) transport.Result
}

// Service groups the admin operations.
type Service struct {
	store    settings.Store
	sg       SendGrid
	mailer   Mailer
	validate *validator.Validate
	log      *slog.Logger
}

// New creates a Service.
func New(store settings.Store, sg SendGrid, mailer Mailer, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    store,
		sg:       sg,
		mailer:   mailer,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log.With("component", "admin"),
	}
}

// Settings returns the current settings snapshot.
func (s *Service) Settings(ctx context.Context) (settings.Settings, error) {
	return settings.Load(ctx, s.store)
}

// APIKeyValid reports whether the stored key is set and carries the required
// scopes. Remote failures report false.
func (s *Service) APIKeyValid(ctx context.Context) bool {
	key, err := s.apiKey(ctx)
	if err != nil || key == "" {
		return false
	}
	return s.sg.CheckAPIKey(ctx, key) == sendgrid.KeyValid
}

// ASMGroups lists the suppression groups of the stored key. Any failure
// degrades to an empty list.
func (s *Service) ASMGroups(ctx context.Context) []sendgrid.ASMGroup {
	key, err := s.apiKey(ctx)
	if err != nil || key == "" {
		return []sendgrid.ASMGroup{}
	}
	groups, err := s.sg.ASMGroups(ctx, key)
	if err != nil {
		s.log.Warn("asm groups unavailable", "error", err)
		return []sendgrid.ASMGroup{}
	}
	if groups == nil {
		groups = []sendgrid.ASMGroup{}
	}
	return groups
}

// StatsCategories returns the categories offered on the statistics page:
// the default tag followed by the configured list.
func (s *Service) StatsCategories(ctx context.Context) ([]string, error) {
	cur, err := settings.Load(ctx, s.store)
	if err != nil {
		return nil, err
	}
	return append([]string{sendgrid.DefaultCategory}, cur.StatsCategoryList()...), nil
}

func (s *Service) apiKey(ctx context.Context) (string, error) {
	key, err := s.store.Get(ctx, settings.KeyAPIKey)
	if err != nil {
		s.log.Error("failed to read api key", "error", err)
		return "", err
	}
	return strings.TrimSpace(key), nil
}
