package models

import (
	"strings"
	"time"
)

// MailStatus is the ranked lifecycle position of a lead.
type MailStatus string

const (
	MailStatusNew            MailStatus = "NEW"
	MailStatusSent           MailStatus = "SENT"
	MailStatusFollowUp5Sent  MailStatus = "FOLLOWUP_5_SENT"
	MailStatusFollowUp10Sent MailStatus = "FOLLOWUP_10_SENT"
	MailStatusReplied        MailStatus = "REPLIED"
)

var mailStatusRank = map[MailStatus]int{
	MailStatusNew:            0,
	MailStatusSent:           1,
	MailStatusFollowUp5Sent:  2,
	MailStatusFollowUp10Sent: 3,
	MailStatusReplied:        4,
}

// legacyMailStatus maps spellings found in imported data to the canonical enum.
var legacyMailStatus = map[string]MailStatus{
	"":                 MailStatusNew,
	"new":              MailStatusNew,
	"pending":          MailStatusNew,
	"sent":             MailStatusSent,
	"email_sent":       MailStatusSent,
	"initial_sent":     MailStatusSent,
	"followup":         MailStatusFollowUp5Sent,
	"followup_5":       MailStatusFollowUp5Sent,
	"followup_5day":    MailStatusFollowUp5Sent,
	"followup_5_sent":  MailStatusFollowUp5Sent,
	"followup_10":      MailStatusFollowUp10Sent,
	"followup_10day":   MailStatusFollowUp10Sent,
	"followup_10_sent": MailStatusFollowUp10Sent,
	"replied":          MailStatusReplied,
	"reply_received":   MailStatusReplied,
}

// ParseMailStatus normalizes a status string to the closed MailStatus enum.
// Unknown values are rejected rather than passed through.
func ParseMailStatus(s string) (MailStatus, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if st, ok := legacyMailStatus[key]; ok {
		return st, nil
	}
	return "", ErrUnknownMailStatus
}

// Rank returns the ordinal position of the status, or -1 if unknown.
func (s MailStatus) Rank() int {
	if r, ok := mailStatusRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is at or beyond other in the lifecycle.
func (s MailStatus) AtLeast(other MailStatus) bool {
	return s.Rank() >= other.Rank()
}

// Max returns the higher-ranked of the two statuses.
func (s MailStatus) Max(other MailStatus) MailStatus {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// IsTerminal reports whether no further sends may be scheduled.
func (s MailStatus) IsTerminal() bool {
	return s == MailStatusReplied
}

// Priority is the reply-derived tier shown on the dashboard.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
	PriorityNone   Priority = "NONE"
)

// IsValidPriority checks if the given priority is one of the known tiers.
func IsValidPriority(p Priority) bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow, PriorityNone:
		return true
	default:
		return false
	}
}

// ParsePriority normalizes a priority string.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if p == "" {
		return PriorityNone, nil
	}
	if !IsValidPriority(p) {
		return "", ErrUnknownPriority
	}
	return p, nil
}

// Lead is the authoritative record for one prospect. Only the lifecycle
// fields are interpreted by the engine; Payload carries enrichment data as
// opaque JSON.
type Lead struct {
	ID      string `json:"id"`
	Seq     int64  `json:"seq"`
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Company string `json:"company,omitempty"`
	Country string `json:"country,omitempty"`
	Payload string `json:"payload,omitempty"`

	MailStatus      MailStatus `json:"mail_status"`
	FollowUp5Sent   bool       `json:"followup_5_sent"`
	FollowUp10Sent  bool       `json:"followup_10_sent"`
	InitialSentDate Date       `json:"initial_sent_date,omitempty"`
	FollowUp5Date   Date       `json:"followup_5_scheduled_date,omitempty"`
	FollowUp10Date  Date       `json:"followup_10_scheduled_date,omitempty"`

	ReplyText    string     `json:"reply_text,omitempty"`
	ReplySummary string     `json:"reply_summary,omitempty"`
	RepliedAt    *time.Time `json:"replied_at,omitempty"`
	Priority     Priority   `json:"priority"`

	EmailProcessed    bool       `json:"email_processed"`
	RetryCount        int        `json:"retry_count"`
	NextRetryAt       *time.Time `json:"next_retry_at,omitempty"`
	CorrelationID     string     `json:"correlation_id,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`

	ClaimToken string     `json:"-"`
	ClaimedAt  *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Contacted reports whether any email was ever delivered to the lead.
func (l *Lead) Contacted() bool {
	return l.MailStatus != MailStatusNew
}

// HasEmail reports whether the lead has a usable contact address.
func (l *Lead) HasEmail() bool {
	return strings.TrimSpace(l.Email) != ""
}

// SendReceipt is what the mail transport reports for a delivered message.
type SendReceipt struct {
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	ThreadID          string `json:"thread_id,omitempty"`
}
