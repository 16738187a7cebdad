// Package store provides the DedupRepo interface for inbound reply deduplication.
package store

import (
	"context"
	"time"
)

// DedupRecord represents an inbound reply deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	LeadID      string     `json:"lead_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound reply deduplication.
type DedupRepo interface {
	// IsDuplicate checks if a message ID has already been recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(ctx context.Context, messageID, leadID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error

	// ForgetInbound removes an unprocessed record so the message can be
	// ingested again.
	ForgetInbound(ctx context.Context, messageID string) error
}
