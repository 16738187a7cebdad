// Package events records lead and delivery lifecycle events in the durable
// outbox and relays them to a publisher.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/util"
	"github.com/google/uuid"
)

// Kind names an event. It doubles as the AMQP routing key.
type Kind string

const (
	KindLeadSent            Kind = "lead.sent"
	KindLeadReplied         Kind = "lead.replied"
	KindDeliveryFailed      Kind = "delivery.failed"
	KindDeliveryQuarantined Kind = "delivery.quarantined"
	KindDeliveryResolved    Kind = "delivery.resolved"
	KindBatchFinished       Kind = "batch.finished"
)

// Event is the payload stored in the outbox.
type Event struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	LeadID     string         `json:"lead_id,omitempty"`
	Action     models.Action  `json:"action,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Recorder writes events to the outbox. A nil *Recorder discards events.
type Recorder struct {
	repo  store.OutboxRepo
	clock util.Clock
}

// NewRecorder creates a Recorder.
func NewRecorder(repo store.OutboxRepo, clock util.Clock) *Recorder {
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &Recorder{repo: repo, clock: clock}
}

// Record enqueues e. The aggregate is the lead ID, or the event ID for
// events that do not belong to a lead.
func (r *Recorder) Record(ctx context.Context, e Event) error {
	if r == nil || r.repo == nil {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.clock.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", e.Kind, err)
	}
	aggregate := e.LeadID
	if aggregate == "" {
		aggregate = e.ID
	}
	if _, err := r.repo.EnqueueOutboxMessage(ctx, aggregate, string(e.Kind), string(payload), e.ID); err != nil {
		return fmt.Errorf("enqueue %s event: %w", e.Kind, err)
	}
	return nil
}

// LeadSent records a confirmed send.
func (r *Recorder) LeadSent(ctx context.Context, lead *models.Lead, action models.Action, receipt models.SendReceipt, viaRetry bool) {
	r.recordOrLog(ctx, Event{
		Kind:   KindLeadSent,
		LeadID: lead.ID,
		Action: action,
		Data: map[string]any{
			"mail_status":         lead.MailStatus,
			"provider_message_id": receipt.ProviderMessageID,
			"thread_id":           receipt.ThreadID,
			"retry":               viaRetry,
		},
	})
}

// LeadReplied records an ingested reply.
func (r *Recorder) LeadReplied(ctx context.Context, lead *models.Lead) {
	r.recordOrLog(ctx, Event{
		Kind:   KindLeadReplied,
		LeadID: lead.ID,
		Data: map[string]any{
			"priority": lead.Priority,
			"summary":  lead.ReplySummary,
		},
	})
}

// BatchFinished records the outcome of a batch run.
func (r *Recorder) BatchFinished(ctx context.Context, run *models.BatchRun) {
	r.recordOrLog(ctx, Event{
		Kind: KindBatchFinished,
		Data: map[string]any{
			"run_id":    run.ID,
			"trigger":   run.Trigger,
			"status":    run.Status,
			"processed": run.Processed,
			"sent":      run.Sent,
			"failed":    run.Failed,
			"skipped":   run.Skipped,
		},
	})
}

// FailureEnqueued implements dlq.Observer.
func (r *Recorder) FailureEnqueued(rec *models.FailedEmail) {
	r.recordOrLog(context.Background(), failureEvent(KindDeliveryFailed, rec))
}

// RecordQuarantined implements dlq.Observer.
func (r *Recorder) RecordQuarantined(rec *models.FailedEmail) {
	r.recordOrLog(context.Background(), failureEvent(KindDeliveryQuarantined, rec))
}

// RecordResolved implements dlq.Observer.
func (r *Recorder) RecordResolved(rec *models.FailedEmail) {
	r.recordOrLog(context.Background(), failureEvent(KindDeliveryResolved, rec))
}

func failureEvent(kind Kind, rec *models.FailedEmail) Event {
	return Event{
		Kind:   kind,
		LeadID: rec.LeadID,
		Action: rec.Action,
		Data: map[string]any{
			"failure_id":    rec.ID,
			"error_type":    rec.ErrorType,
			"attempt_count": rec.AttemptCount,
			"max_attempts":  rec.MaxAttempts,
			"status":        rec.Status,
		},
	}
}

// recordOrLog is used where an event is secondary to a committed change:
// a failure to enqueue must not undo the change.
func (r *Recorder) recordOrLog(ctx context.Context, e Event) {
	if err := r.Record(ctx, e); err != nil {
		slog.Error("Recorder.Record: failed to enqueue event", "kind", e.Kind, "leadID", e.LeadID, "error", err)
	}
}
