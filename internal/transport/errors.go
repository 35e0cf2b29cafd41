package transport

import (
	"errors"
	"fmt"
)

// ErrInvalidMessage is returned when a message fails local checks before any
// upstream call.
var ErrInvalidMessage = errors.New("invalid message")

// DeliveryError is a failed upstream send. Detail carries the raw diagnostic
// text returned by the upstream, StatusCode is zero for SMTP paths.
type DeliveryError struct {
	Route      Route
	Upstream   string
	StatusCode int
	Detail     string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s delivery via %s failed (HTTP %d): %s", e.Route, e.Upstream, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s delivery via %s failed: %s", e.Route, e.Upstream, e.Detail)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
