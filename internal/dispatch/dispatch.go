// Package dispatch performs one send for one lead: claim, render, send,
// commit. A transition is committed only after the transport confirmed the
// send; every failure leaves the lead untouched and lands in the dead-letter
// queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/dlq"
	"github.com/BTreeMap/OutreachPipe/internal/events"
	"github.com/BTreeMap/OutreachPipe/internal/lifecycle"
	"github.com/BTreeMap/OutreachPipe/internal/messaging"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/quota"
	"github.com/BTreeMap/OutreachPipe/internal/render"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/util"
)

const (
	// DefaultSendTimeout bounds a single transport call.
	DefaultSendTimeout = 30 * time.Second
	// DefaultClaimTTL is how long a lead claim is honoured. It must exceed
	// the send timeout so a slow send cannot lose its claim mid-flight.
	DefaultClaimTTL = 5 * time.Minute
	// claimRetryDelay is how long a DLQ record waits when its lead is busy.
	claimRetryDelay = 5 * time.Minute
)

// Outcome is the result category of one dispatch.
type Outcome string

const (
	OutcomeSent           Outcome = "sent"
	OutcomeFailed         Outcome = "failed"
	OutcomeSkipped        Outcome = "skipped"
	OutcomeQuotaExhausted Outcome = "quota_exhausted"
	// OutcomeCancelled means the run was cancelled before the transport
	// confirmed the send. Nothing was recorded; the next run reconsiders it.
	OutcomeCancelled Outcome = "cancelled"
)

// Result describes what happened to one lead.
type Result struct {
	LeadID    string              `json:"lead_id"`
	Action    models.Action       `json:"action"`
	Outcome   Outcome             `json:"outcome"`
	Reason    string              `json:"reason,omitempty"`
	ErrorType models.ErrorType    `json:"error_type,omitempty"`
	Receipt   models.SendReceipt  `json:"receipt"`
	Failure   *models.FailedEmail `json:"failure,omitempty"`
	// Committed is false when the email went out but the lead changed
	// underneath the claim (typically a reply arrived during the send).
	Committed bool `json:"committed"`
	Retry     bool `json:"retry"`
}

// Observer is told about every finished dispatch.
type Observer interface {
	Dispatched(res Result, elapsed time.Duration)
}

// Config holds dispatcher timing.
type Config struct {
	SendTimeout time.Duration
	ClaimTTL    time.Duration
}

// Dispatcher sends one lifecycle email at a time and is safe for concurrent
// use; per-lead exclusion comes from the store claim.
type Dispatcher struct {
	leads     store.LeadRepo
	quota     *quota.Tracker
	renderer  *render.Renderer
	transport messaging.Transport
	queue     *dlq.Queue
	events    *events.Recorder
	clock     util.Clock
	cfg       Config
	observers []Observer
}

// New creates a Dispatcher. rec may be nil.
func New(leads store.LeadRepo, q *quota.Tracker, r *render.Renderer, t messaging.Transport, queue *dlq.Queue, rec *events.Recorder, clock util.Clock, cfg Config) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.ClaimTTL <= cfg.SendTimeout {
		cfg.ClaimTTL = cfg.SendTimeout + DefaultClaimTTL
	}
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &Dispatcher{
		leads:     leads,
		quota:     q,
		renderer:  r,
		transport: t,
		queue:     queue,
		events:    rec,
		clock:     clock,
		cfg:       cfg,
	}
}

// Observe registers an observer.
func (d *Dispatcher) Observe(o Observer) {
	if o != nil {
		d.observers = append(d.observers, o)
	}
}

// Dispatch performs action for lead. lead is the snapshot the caller based
// its decision on; the claim fails if the stored lead no longer matches it.
// A returned error means the run should stop (store or template failure);
// send failures are reported through the Result.
func (d *Dispatcher) Dispatch(ctx context.Context, lead *models.Lead, action models.Action, today models.Date) (Result, error) {
	start := d.clock.Now()
	res, err := d.dispatch(ctx, lead, action, today)
	d.notify(res, start)
	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, lead *models.Lead, action models.Action, today models.Date) (Result, error) {
	res := Result{LeadID: lead.ID, Action: action}
	if !action.IsSend() {
		return skip(res, "no action due"), nil
	}

	open, err := d.queue.HasOpen(ctx, lead.ID, action)
	if err != nil {
		return res, fmt.Errorf("check open retries for lead %s: %w", lead.ID, err)
	}
	if open {
		return skip(res, "retry pending in dead-letter queue"), nil
	}

	token, claimed, err := d.claim(ctx, lead)
	if err != nil {
		return res, err
	}
	if !claimed {
		return skip(res, "lead changed or claimed elsewhere"), nil
	}
	// Bookkeeping after the claim must finish even if the run is cancelled.
	book := context.WithoutCancel(ctx)

	msg, err := d.renderer.Render(lead, action)
	if err != nil {
		d.release(book, lead.ID, token)
		return res, fmt.Errorf("render %s for lead %s: %w", action, lead.ID, err)
	}

	if err := d.quota.TakeSlot(ctx, today); err != nil {
		d.release(book, lead.ID, token)
		if errors.Is(err, quota.ErrQuotaExhausted) {
			res.Outcome = OutcomeQuotaExhausted
			res.Reason = "daily quota exhausted"
			return res, nil
		}
		return res, err
	}

	receipt, sendErr := d.send(ctx, messaging.OutboundFor(lead, action, msg))
	if sendErr != nil && ctx.Err() != nil {
		slog.Info("Dispatcher.Dispatch: cancelled during send, lead left untouched", "leadID", lead.ID, "action", action)
		d.refund(book, today)
		d.release(book, lead.ID, token)
		return cancelled(ctx, res), nil
	}
	if sendErr != nil {
		errType := messaging.Classify(sendErr)
		slog.Warn("Dispatcher.Dispatch: send failed", "leadID", lead.ID, "action", action, "errorType", errType, "error", sendErr)
		d.refund(book, today)
		rec, err := d.queue.EnqueueFailure(book, lead, action, msg, errType, sendErr)
		d.release(book, lead.ID, token)
		if err != nil {
			return res, err
		}
		res.Outcome = OutcomeFailed
		res.ErrorType = errType
		res.Reason = sendErr.Error()
		res.Failure = rec
		return res, nil
	}

	res.Outcome = OutcomeSent
	res.Receipt = receipt
	committed, err := d.commit(book, lead, action, today, receipt, token, false)
	if err != nil {
		return res, err
	}
	res.Committed = committed
	return res, nil
}

// Redeliver retries a claimed dead-letter record with its stored payload.
// Success applies exactly the transition a direct dispatch would.
func (d *Dispatcher) Redeliver(ctx context.Context, rec *models.FailedEmail, today models.Date) (Result, error) {
	start := d.clock.Now()
	res, err := d.redeliver(ctx, rec, today)
	d.notify(res, start)
	return res, err
}

func (d *Dispatcher) redeliver(ctx context.Context, rec *models.FailedEmail, today models.Date) (Result, error) {
	res := Result{LeadID: rec.LeadID, Action: rec.Action, Retry: true}
	book := context.WithoutCancel(ctx)

	lead, err := d.leads.GetLead(ctx, rec.LeadID)
	if errors.Is(err, store.ErrNotFound) {
		missing := messaging.NewSendError(models.ErrorTypeValidation, fmt.Errorf("lead %s not found", rec.LeadID))
		saved, err := d.queue.RecordAttempt(book, rec, models.ErrorTypeValidation, missing, d.clock.Now())
		if err != nil {
			return res, err
		}
		res.Failure = saved
		res.Outcome = OutcomeFailed
		res.ErrorType = models.ErrorTypeValidation
		res.Reason = missing.Error()
		return res, nil
	}
	if err != nil {
		d.releaseRecord(book, rec, d.clock.Now().Add(claimRetryDelay))
		return res, fmt.Errorf("load lead %s for retry: %w", rec.LeadID, err)
	}

	if lead.MailStatus.IsTerminal() {
		if _, err := d.queue.ResolveForReply(book, lead.ID); err != nil {
			return res, err
		}
		return skip(res, "lead replied"), nil
	}
	if !applies(lead, rec.Action) {
		// Already delivered by another path; close the record.
		saved, err := d.queue.RecordAttempt(book, rec, "", nil, d.clock.Now())
		if err != nil {
			return res, err
		}
		res.Failure = saved
		return skip(res, "action already applied"), nil
	}

	token, claimed, err := d.claim(ctx, lead)
	if err != nil {
		d.releaseRecord(book, rec, d.clock.Now().Add(claimRetryDelay))
		return res, err
	}
	if !claimed {
		d.releaseRecord(book, rec, d.clock.Now().Add(claimRetryDelay))
		return skip(res, "lead claimed elsewhere"), nil
	}

	if err := d.quota.TakeSlot(ctx, today); err != nil {
		d.release(book, lead.ID, token)
		d.releaseRecord(book, rec, d.clock.Now().Add(d.queue.Policy().BackoffBase))
		if errors.Is(err, quota.ErrQuotaExhausted) {
			res.Outcome = OutcomeQuotaExhausted
			res.Reason = "daily quota exhausted"
			return res, nil
		}
		return res, err
	}

	msg := models.RenderedMessage{To: rec.EmailTo, Subject: rec.Subject, Body: rec.Body}
	receipt, sendErr := d.send(ctx, messaging.OutboundFor(lead, rec.Action, msg))
	now := d.clock.Now()
	if sendErr != nil && ctx.Err() != nil {
		slog.Info("Dispatcher.Redeliver: cancelled during send, attempt not counted", "failureID", rec.ID, "leadID", lead.ID)
		d.refund(book, today)
		d.release(book, lead.ID, token)
		d.releaseRecord(book, rec, now)
		return cancelled(ctx, res), nil
	}
	if sendErr != nil {
		errType := messaging.Classify(sendErr)
		slog.Warn("Dispatcher.Redeliver: retry failed", "failureID", rec.ID, "leadID", lead.ID, "errorType", errType, "error", sendErr)
		d.refund(book, today)
		saved, err := d.queue.RecordAttempt(book, rec, errType, sendErr, now)
		d.release(book, lead.ID, token)
		if err != nil {
			return res, err
		}
		res.Outcome = OutcomeFailed
		res.ErrorType = errType
		res.Reason = sendErr.Error()
		res.Failure = saved
		return res, nil
	}

	res.Outcome = OutcomeSent
	res.Receipt = receipt
	committed, err := d.commit(book, lead, rec.Action, today, receipt, token, true)
	if err != nil {
		return res, err
	}
	res.Committed = committed
	saved, err := d.queue.RecordAttempt(book, rec, "", nil, now)
	if err != nil {
		return res, err
	}
	res.Failure = saved
	return res, nil
}

func (d *Dispatcher) claim(ctx context.Context, lead *models.Lead) (string, bool, error) {
	token := util.GenerateClaimToken()
	now := d.clock.Now()
	ok, err := d.leads.ClaimLead(ctx, lead, token, now, now.Add(-d.cfg.ClaimTTL))
	if err != nil {
		return "", false, fmt.Errorf("claim lead %s: %w", lead.ID, err)
	}
	return token, ok, nil
}

func (d *Dispatcher) release(ctx context.Context, leadID, token string) {
	if err := d.leads.ReleaseClaim(ctx, leadID, token); err != nil {
		slog.Error("Dispatcher.release: failed to release claim", "leadID", leadID, "error", err)
	}
}

// refund returns the quota slot of a send that did not go out.
func (d *Dispatcher) refund(ctx context.Context, today models.Date) {
	if err := d.quota.ReleaseSlot(ctx, today); err != nil {
		slog.Error("Dispatcher.refund: failed to release quota slot", "date", today, "error", err)
	}
}

func (d *Dispatcher) releaseRecord(ctx context.Context, rec *models.FailedEmail, at time.Time) {
	if err := d.queue.Release(ctx, rec, at); err != nil {
		slog.Error("Dispatcher.releaseRecord: failed to release retry", "failureID", rec.ID, "error", err)
	}
}

// send calls the transport with the per-dispatch timeout. An expired
// deadline is always a failure, whatever the transport returned.
func (d *Dispatcher) send(ctx context.Context, out messaging.Outbound) (models.SendReceipt, error) {
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	receipt, err := d.transport.Send(sendCtx, out)
	if err == nil && sendCtx.Err() != nil {
		err = messaging.NewSendError(models.ErrorTypeTimeout, sendCtx.Err())
	}
	return receipt, err
}

// commit applies the confirmed send under the claim. It reports false when
// the claim was lost; the email has gone out, so the quota slot is kept.
func (d *Dispatcher) commit(ctx context.Context, lead *models.Lead, action models.Action, today models.Date, receipt models.SendReceipt, token string, retry bool) (bool, error) {
	next, err := lifecycle.Apply(lead, action, today, receipt)
	if err != nil {
		d.release(ctx, lead.ID, token)
		return false, fmt.Errorf("apply %s to lead %s: %w", action, lead.ID, err)
	}
	if err := d.leads.CommitTransition(ctx, next, token); err != nil {
		if errors.Is(err, store.ErrClaimLost) {
			slog.Warn("Dispatcher.commit: lead changed during send, transition dropped", "leadID", lead.ID, "action", action)
			d.release(ctx, lead.ID, token)
			return false, nil
		}
		return false, err
	}
	slog.Info("Dispatcher.commit: sent", "leadID", lead.ID, "action", action, "status", next.MailStatus,
		"messageID", receipt.ProviderMessageID)
	d.events.LeadSent(ctx, next, action, receipt, retry)
	return true, nil
}

func (d *Dispatcher) notify(res Result, start time.Time) {
	elapsed := d.clock.Now().Sub(start)
	for _, o := range d.observers {
		o.Dispatched(res, elapsed)
	}
}

// applies reports whether action is still outstanding for lead.
func applies(lead *models.Lead, action models.Action) bool {
	switch action {
	case models.ActionSendInitial:
		return !lead.Contacted()
	case models.ActionSendFollowUp5:
		return lead.Contacted() && !lead.FollowUp5Sent
	case models.ActionSendFollowUp10:
		return lead.Contacted() && !lead.FollowUp10Sent
	}
	return false
}

func cancelled(ctx context.Context, res Result) Result {
	res.Outcome = OutcomeCancelled
	res.Reason = context.Cause(ctx).Error()
	return res
}

func skip(res Result, reason string) Result {
	res.Outcome = OutcomeSkipped
	res.Reason = reason
	return res
}
