// Package replies records lead replies: priority re-classification, the
// REPLIED transition, cancellation of pending retries and the lead.replied
// event. Replies arrive through the API or the IMAP poller.
package replies

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/BTreeMap/OutreachPipe/internal/dlq"
	"github.com/BTreeMap/OutreachPipe/internal/events"
	"github.com/BTreeMap/OutreachPipe/internal/lifecycle"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/util"
)

// ErrUnknownLead is returned when a reply matches no lead.
var ErrUnknownLead = errors.New("reply does not match any lead")

// DefaultSummaryTimeout bounds the optional summary call.
const DefaultSummaryTimeout = 20 * time.Second

// Reply is one inbound answer from a lead. Either LeadID or From identifies
// the lead; MessageID, when present, de-duplicates redeliveries.
type Reply struct {
	MessageID  string    `json:"message_id,omitempty"`
	LeadID     string    `json:"lead_id,omitempty"`
	From       string    `json:"from,omitempty"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// Result describes an ingested reply.
type Result struct {
	Lead      *models.Lead `json:"lead,omitempty"`
	Duplicate bool         `json:"duplicate"`
	Resolved  int          `json:"resolved_retries"`
}

// Summarizer produces a short summary of reply text.
type Summarizer interface {
	SummarizeReply(ctx context.Context, company, reply string) (string, error)
}

// Observer is told about every recorded reply.
type Observer interface {
	ReplyRecorded(lead *models.Lead)
}

// Ingestor records replies.
type Ingestor struct {
	leads          store.LeadRepo
	dedup          store.DedupRepo
	queue          *dlq.Queue
	events         *events.Recorder
	summarizer     Summarizer
	summaryTimeout time.Duration
	clock          util.Clock
	observers      []Observer
}

// NewIngestor creates an Ingestor. rec and summarizer may be nil.
func NewIngestor(leads store.LeadRepo, dedup store.DedupRepo, queue *dlq.Queue, rec *events.Recorder, summarizer Summarizer, clock util.Clock) *Ingestor {
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &Ingestor{
		leads:          leads,
		dedup:          dedup,
		queue:          queue,
		events:         rec,
		summarizer:     summarizer,
		summaryTimeout: DefaultSummaryTimeout,
		clock:          clock,
	}
}

// Observe registers a reply observer.
func (i *Ingestor) Observe(o Observer) {
	if o != nil {
		i.observers = append(i.observers, o)
	}
}

// Ingest records r on its lead. Redelivered message IDs are reported as
// duplicates without touching the lead.
func (i *Ingestor) Ingest(ctx context.Context, r Reply) (*Result, error) {
	lead, err := i.resolve(ctx, r)
	if err != nil {
		return nil, err
	}

	// The inbound insert is the gate: only the delivery that records the
	// message ID applies the reply.
	if r.MessageID != "" {
		inserted, err := i.dedup.RecordInbound(ctx, r.MessageID, lead.ID)
		if err != nil {
			return nil, err
		}
		if !inserted {
			slog.Debug("Ingestor.Ingest: duplicate reply", "messageID", r.MessageID, "leadID", lead.ID)
			return &Result{Lead: lead, Duplicate: true}, nil
		}
	}

	at := r.ReceivedAt
	if at.IsZero() {
		at = i.clock.Now()
	}
	next, err := lifecycle.ApplyReply(lead, r.Text, at)
	if err != nil {
		i.forget(r.MessageID)
		return nil, err
	}
	next.ReplySummary = i.summarize(ctx, next)

	book := context.WithoutCancel(ctx)
	if err := i.leads.RecordReply(book, next); err != nil {
		i.forget(r.MessageID)
		return nil, fmt.Errorf("record reply: %w", err)
	}
	resolved, err := i.queue.ResolveForReply(book, next.ID)
	if err != nil {
		slog.Error("Ingestor.Ingest: failed to cancel pending retries", "leadID", next.ID, "error", err)
	}
	i.events.LeadReplied(book, next)

	if r.MessageID != "" {
		if err := i.dedup.MarkProcessed(book, r.MessageID); err != nil {
			slog.Error("Ingestor.Ingest: failed to mark message processed", "messageID", r.MessageID, "error", err)
		}
	}
	for _, o := range i.observers {
		o.ReplyRecorded(next)
	}

	slog.Info("Ingestor.Ingest: reply recorded", "leadID", next.ID, "priority", next.Priority,
		"previousStatus", lead.MailStatus, "resolvedRetries", resolved)
	return &Result{Lead: next, Resolved: resolved}, nil
}

// forget drops the inbound record of a reply that was not applied so a
// redelivery can retry it.
func (i *Ingestor) forget(messageID string) {
	if messageID == "" {
		return
	}
	if err := i.dedup.ForgetInbound(context.Background(), messageID); err != nil {
		slog.Error("Ingestor.forget: failed to drop inbound record", "messageID", messageID, "error", err)
	}
}

func (i *Ingestor) resolve(ctx context.Context, r Reply) (*models.Lead, error) {
	var (
		lead *models.Lead
		err  error
	)
	switch {
	case r.LeadID != "":
		lead, err = i.leads.GetLead(ctx, r.LeadID)
	case r.From != "":
		lead, err = i.leads.FindLeadByEmail(ctx, SenderAddress(r.From))
	default:
		return nil, fmt.Errorf("%w: no lead id or sender", ErrUnknownLead)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s%s", ErrUnknownLead, r.LeadID, r.From)
	}
	return lead, err
}

// summarize returns a summary or "" when no summarizer is configured or the
// call fails. A failed summary never blocks the reply.
func (i *Ingestor) summarize(ctx context.Context, lead *models.Lead) string {
	if i.summarizer == nil {
		return ""
	}
	sctx, cancel := context.WithTimeout(ctx, i.summaryTimeout)
	defer cancel()
	summary, err := i.summarizer.SummarizeReply(sctx, lead.Company, lead.ReplyText)
	if err != nil {
		slog.Warn("Ingestor.summarize: summary failed", "leadID", lead.ID, "error", err)
		return ""
	}
	return summary
}

// SenderAddress extracts the bare, lower-cased address from a From value.
func SenderAddress(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(strings.TrimSpace(from))
}
