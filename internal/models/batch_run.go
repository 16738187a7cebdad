package models

import "time"

// RunTrigger records what started a batch run.
type RunTrigger string

const (
	RunTriggerScheduled RunTrigger = "scheduled"
	RunTriggerManual    RunTrigger = "manual"
)

// RunStatus is the state of a batch run record.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// BatchRun tracks one execution of the daily batch, scheduled or manual.
type BatchRun struct {
	ID          string     `json:"id"`
	Trigger     RunTrigger `json:"trigger"`
	Date        Date       `json:"date"`
	BatchOffset int        `json:"batch_offset"`
	Total       int        `json:"total"`
	Processed   int        `json:"processed"`
	Sent        int        `json:"sent"`
	Failed      int        `json:"failed"`
	Skipped     int        `json:"skipped"`
	Status      RunStatus  `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// LeadStats aggregates lead lifecycle fields for the dashboard.
type LeadStats struct {
	Total          int                `json:"total"`
	ByStatus       map[MailStatus]int `json:"by_status"`
	ByPriority     map[Priority]int   `json:"by_priority"`
	FollowUp5Sent  int                `json:"followup_5_sent"`
	FollowUp10Sent int                `json:"followup_10_sent"`
	WithReply      int                `json:"with_reply"`
}

// DLQStats aggregates dead-letter records for operators.
type DLQStats struct {
	Total       int               `json:"total"`
	ByStatus    map[DLQStatus]int `json:"by_status"`
	ByErrorType map[ErrorType]int `json:"by_error_type"`
}
