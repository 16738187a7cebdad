package models

import "time"

// ErrorType classifies a send failure.
type ErrorType string

const (
	ErrorTypeNetwork    ErrorType = "NETWORK"
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeAPIError   ErrorType = "API_ERROR"
	ErrorTypeTimeout    ErrorType = "TIMEOUT"
	ErrorTypeRateLimit  ErrorType = "RATE_LIMIT"
	ErrorTypeUnknown    ErrorType = "UNKNOWN"
)

// AllErrorTypes lists every error type in a stable order.
var AllErrorTypes = []ErrorType{
	ErrorTypeNetwork, ErrorTypeValidation, ErrorTypeAPIError,
	ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeUnknown,
}

// Retryable reports whether resending the same payload can succeed.
func (e ErrorType) Retryable() bool {
	return e != ErrorTypeValidation
}

// DLQStatus is the lifecycle state of a dead-letter record.
type DLQStatus string

const (
	DLQStatusPending  DLQStatus = "PENDING"
	DLQStatusRetrying DLQStatus = "RETRYING"
	DLQStatusFailed   DLQStatus = "FAILED"
	DLQStatusResolved DLQStatus = "RESOLVED"
)

// AllDLQStatuses lists every DLQ status in a stable order.
var AllDLQStatuses = []DLQStatus{
	DLQStatusPending, DLQStatusRetrying, DLQStatusFailed, DLQStatusResolved,
}

// IsTerminal reports whether the record will never be retried again.
func (s DLQStatus) IsTerminal() bool {
	return s == DLQStatusFailed || s == DLQStatusResolved
}

// DefaultMaxAttempts is the retry budget for retryable error types.
const DefaultMaxAttempts = 3

// FailedEmail is a dead-letter record for one failed send of one lead action.
// Records are never deleted; they end in FAILED or RESOLVED.
type FailedEmail struct {
	ID            string     `json:"id"`
	LeadID        string     `json:"lead_id"`
	Action        Action     `json:"action"`
	EmailTo       string     `json:"email_to"`
	Subject       string     `json:"subject"`
	Body          string     `json:"body"`
	ErrorMessage  string     `json:"error_message"`
	ErrorType     ErrorType  `json:"error_type"`
	AttemptCount  int        `json:"attempt_count"`
	MaxAttempts   int        `json:"max_attempts"`
	Status        DLQStatus  `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	LockedAt      *time.Time `json:"-"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Message returns the stored rendered message.
func (f *FailedEmail) Message() RenderedMessage {
	return RenderedMessage{To: f.EmailTo, Subject: f.Subject, Body: f.Body}
}

// Exhausted reports whether the retry budget is used up.
func (f *FailedEmail) Exhausted() bool {
	return f.AttemptCount >= f.MaxAttempts
}
