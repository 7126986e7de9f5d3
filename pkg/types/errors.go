package types

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidInput marks caller mistakes (bad months, empty tenant).
	ErrInvalidInput = errors.New("invalid input")
	// ErrSessionExpired is returned when the portal rejects the replayed session.
	ErrSessionExpired = errors.New("portal session expired")
	// ErrDriverBusy is returned when a browser driver is used concurrently.
	ErrDriverBusy = errors.New("browser driver already in use")
	// ErrNotFound is returned by lookups with no row.
	ErrNotFound = errors.New("not found")
)

// AuthOutcome is the classified result of a login attempt.
type AuthOutcome string

const (
	AuthSuccess            AuthOutcome = "success"
	AuthInvalidCredentials AuthOutcome = "invalid_credentials"
	AuthPortalUnavailable  AuthOutcome = "portal_unavailable"
	AuthIntermediate       AuthOutcome = "intermediate"
	AuthUnknown            AuthOutcome = "unknown"
)

// AuthenticationError is a hard login failure. It is not retried automatically.
type AuthenticationError struct {
	TenantID string
	Outcome  AuthOutcome
	URL      string
	Err      error
}

func (e *AuthenticationError) Error() string {
	msg := fmt.Sprintf("authentication failed [%s] %s", e.TenantID, e.Outcome)
	if e.URL != "" {
		msg += " at " + e.URL
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// PortalUnavailableError signals maintenance or outage; callers retry after RetryAfter.
type PortalUnavailableError struct {
	URL        string
	RetryAfter time.Duration
	Err        error
}

func (e *PortalUnavailableError) Error() string {
	msg := fmt.Sprintf("portal unavailable (retry after %s)", e.RetryAfter)
	if e.URL != "" {
		msg += " at " + e.URL
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PortalUnavailableError) Unwrap() error {
	return e.Err
}

// ExtractionError is a failed summary, list or detail call. It aborts only
// the period, direction and type it names. With Op "row" it covers a
// single unreadable record and the rest of the type was kept.
type ExtractionError struct {
	Period    Period
	Direction Direction
	TypeCode  string
	Folio     string
	Op        string // "summary", "detail", "daily", "row"
	Err       error
}

func (e *ExtractionError) Error() string {
	scope := fmt.Sprintf("%s/%s", e.Period, e.Direction)
	if e.TypeCode != "" {
		scope += "/" + e.TypeCode
	}
	if e.Folio != "" {
		scope += "#" + e.Folio
	}
	return fmt.Sprintf("extraction error [%s] %s: %v", scope, e.Op, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// PersistenceError is a failed database write. It aborts the current batch only.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
