// Package models defines the core data structures for OutreachPipe.
//
// It includes the lead lifecycle types, daily quota and dead-letter records,
// and the API response envelope shared across modules.
package models

import (
	"errors"
	"strings"
)

// Validation constants for input validation
const (
	// MaxEmailLength defines the maximum allowed length for a contact email
	MaxEmailLength = 320
	// MaxReplyTextLength defines the maximum stored length of a reply body
	MaxReplyTextLength = 20000
)

// Error variables for better error handling and testability
var (
	ErrEmptyEmail         = errors.New("contact email cannot be empty")
	ErrEmailTooLong       = errors.New("contact email exceeds maximum length")
	ErrUnknownMailStatus  = errors.New("unknown mail status")
	ErrUnknownPriority    = errors.New("unknown priority")
	ErrUnknownAction      = errors.New("unknown action")
	ErrInvalidDate        = errors.New("invalid date")
	ErrEmptyReply         = errors.New("reply text cannot be empty")
	ErrMissingInitialDate = errors.New("follow-up dates require an initial send date")
)

// Validate performs structural validation on a Lead before it is stored.
func (l *Lead) Validate() error {
	email := strings.TrimSpace(l.Email)
	if email == "" {
		return ErrEmptyEmail
	}
	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}
	if _, err := ParseMailStatus(string(l.MailStatus)); err != nil {
		return err
	}
	if l.Priority != "" && !IsValidPriority(l.Priority) {
		return ErrUnknownPriority
	}
	if (l.FollowUp5Date != "" || l.FollowUp10Date != "") && l.InitialSentDate == "" {
		return ErrMissingInitialDate
	}
	return nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates a run or sweep was accepted and executed.
	APIStatusAccepted APIStatus = "accepted"
	// APIStatusRecorded indicates data was successfully recorded via API.
	APIStatusRecorded APIStatus = "recorded"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Accepted creates an accepted API response carrying the run summary.
func Accepted(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusAccepted).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Recorded creates a recorded API response.
func Recorded() APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusRecorded).
		Build()
}

// RecordedWithMessage creates a recorded API response with a message.
func RecordedWithMessage(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusRecorded).
		WithMessage(message).
		Build()
}
