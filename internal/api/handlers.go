package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/shineum/sendgrid-relay/internal/admin"
	"github.com/shineum/sendgrid-relay/internal/settings"
)

const maxRequestBody = 1 << 20

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats answers GET /rest/v1/sgstats/get/{category}/{start}/{end}.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	start := chi.URLParam(r, "start")
	end := chi.URLParam(r, "end")

	for _, date := range []string{start, end} {
		if err := s.validate.Var(date, "datetime=2006-01-02"); err != nil {
			respondError(w, http.StatusBadRequest, "dates must be formatted YYYY-MM-DD")
			return
		}
	}
	if end < start {
		respondError(w, http.StatusBadRequest, "end date is before start date")
		return
	}

	respondJSON(w, http.StatusOK, s.admin.Statistics(r.Context(), category, start, end))
}

// handleInvalidateToken revokes the token named in the path.
func (s *Server) handleInvalidateToken(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if err := s.tokens.Revoke(r.Context(), token); err != nil {
		s.log.ErrorContext(r.Context(), "failed to revoke token", "error", err)
		respondError(w, http.StatusInternalServerError, "token could not be revoked")
		return
	}
	w.WriteHeader(http.StatusOK)
}

type settingsResponse struct {
	Settings    settings.Settings `json:"settings"`
	APIKeyValid bool              `json:"apikey_valid"`
}

func (s *Server) settingsView(r *http.Request) (settingsResponse, error) {
	cur, err := s.admin.Settings(r.Context())
	if err != nil {
		return settingsResponse{}, err
	}
	valid := s.admin.APIKeyValid(r.Context())
	cur.APIKey = maskKey(cur.APIKey)
	return settingsResponse{Settings: cur, APIKeyValid: valid}, nil
}

// maskKey keeps the last four characters of a key.
func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	view, err := s.settingsView(r)
	if err != nil {
		s.log.ErrorContext(r.Context(), "failed to load settings", "error", err)
		respondError(w, http.StatusInternalServerError, "settings could not be loaded")
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// handlePutSettings saves every valid field. A partial save answers 422
// with the report so the caller can see which fields were kept.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var form admin.Form
	if !decodeJSON(w, r, &form) {
		return
	}

	report := s.admin.UpdateSettings(r.Context(), form)
	status := http.StatusOK
	if !report.OK() {
		status = http.StatusUnprocessableEntity
	}
	respondJSON(w, status, report)
}

func (s *Server) handleTestEmail(w http.ResponseWriter, r *http.Request) {
	var req admin.TestEmail
	if !decodeJSON(w, r, &req) {
		return
	}

	err := s.admin.SendTest(r.Context(), req)
	var verr *admin.ValidationError
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{"status": "sent"})
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid test email", "problems": verr.Problems})
	case errors.Is(err, admin.ErrSendTest):
		respondError(w, http.StatusBadGateway, admin.ErrSendTest.Error())
	default:
		s.log.ErrorContext(r.Context(), "test email failed", "error", err)
		respondError(w, http.StatusInternalServerError, "test email failed")
	}
}

func (s *Server) handleASMGroups(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.admin.ASMGroups(r.Context()))
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.tokens.Issue(r.Context())
	if err != nil {
		s.log.ErrorContext(r.Context(), "failed to issue token", "error", err)
		respondError(w, http.StatusInternalServerError, "token could not be issued")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"token": token})
}

func (s *Server) handleStatsCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.admin.StatsCategories(r.Context())
	if err != nil {
		s.log.ErrorContext(r.Context(), "failed to load categories", "error", err)
		respondError(w, http.StatusInternalServerError, "categories could not be loaded")
		return
	}
	respondJSON(w, http.StatusOK, categories)
}
