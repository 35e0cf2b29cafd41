package sendgrid

import (
	"errors"
	"fmt"
)

var (
	ErrMissingAPIKey = errors.New("sendgrid: api key is empty")
	ErrMissingScope  = errors.New("sendgrid: api key lacks a required scope")
	ErrInvalidKey    = errors.New("sendgrid: api key rejected")
)

// APIError is a non-success response from the SendGrid API. Body holds the
// raw response text for diagnostics.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("SendGrid API error (HTTP %d): %s", e.StatusCode, e.Body)
}
