// Package lifecycle holds the per-lead delivery state machine: which send a
// lead needs next, and how a confirmed send or reply changes the lead.
//
// Every function here is pure. Callers pass today's date explicitly and are
// responsible for persisting the returned lead under a per-lead claim.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/priority"
)

const (
	// FollowUp5Days is the offset of the first follow-up from the initial send.
	FollowUp5Days = 5
	// FollowUp10Days is the offset of the second follow-up from the initial send.
	FollowUp10Days = 10
)

// ErrNoTransition is returned when an action does not apply to the lead's
// current state, for example a follow-up for a lead that was never contacted.
var ErrNoTransition = errors.New("action does not apply to lead state")

// NextAction derives the next send for a lead on the given date.
func NextAction(lead *models.Lead, today models.Date) models.Action {
	if lead == nil || !lead.HasEmail() {
		return models.ActionNone
	}
	switch lead.MailStatus {
	case models.MailStatusNew, "":
		return models.ActionSendInitial
	case models.MailStatusReplied:
		return models.ActionNone
	}

	if lead.MailStatus == models.MailStatusSent && !lead.FollowUp5Sent && due(lead.FollowUp5Date, today) {
		return models.ActionSendFollowUp5
	}
	if (lead.MailStatus == models.MailStatusSent || lead.MailStatus == models.MailStatusFollowUp5Sent) &&
		!lead.FollowUp10Sent && due(lead.FollowUp10Date, today) {
		return models.ActionSendFollowUp10
	}
	return models.ActionNone
}

func due(scheduled, today models.Date) bool {
	return !scheduled.IsZero() && today.OnOrAfter(scheduled)
}

// Apply returns a copy of lead with the transition for a confirmed send of
// action applied. The input lead is not modified.
func Apply(lead *models.Lead, action models.Action, today models.Date, receipt models.SendReceipt) (*models.Lead, error) {
	if lead == nil {
		return nil, fmt.Errorf("apply %s: nil lead", action)
	}
	if lead.MailStatus.IsTerminal() {
		return nil, fmt.Errorf("apply %s to %s lead: %w", action, lead.MailStatus, ErrNoTransition)
	}
	next := *lead

	switch action {
	case models.ActionSendInitial:
		if lead.Contacted() {
			return nil, fmt.Errorf("apply %s to %s lead: %w", action, lead.MailStatus, ErrNoTransition)
		}
		next.MailStatus = models.MailStatusSent
		next.InitialSentDate = today
		next.FollowUp5Date = today.AddDays(FollowUp5Days)
		next.FollowUp10Date = today.AddDays(FollowUp10Days)
		next.EmailProcessed = true
		if receipt.ProviderMessageID != "" {
			next.ProviderMessageID = receipt.ProviderMessageID
		}
		if receipt.ThreadID != "" {
			next.CorrelationID = receipt.ThreadID
		} else if next.CorrelationID == "" {
			next.CorrelationID = receipt.ProviderMessageID
		}
	case models.ActionSendFollowUp5:
		if !lead.Contacted() || lead.FollowUp5Sent {
			return nil, fmt.Errorf("apply %s (followup_5_sent=%t): %w", action, lead.FollowUp5Sent, ErrNoTransition)
		}
		next.FollowUp5Sent = true
		next.MailStatus = lead.MailStatus.Max(models.MailStatusFollowUp5Sent)
	case models.ActionSendFollowUp10:
		if !lead.Contacted() || lead.FollowUp10Sent {
			return nil, fmt.Errorf("apply %s (followup_10_sent=%t): %w", action, lead.FollowUp10Sent, ErrNoTransition)
		}
		next.FollowUp10Sent = true
		next.MailStatus = lead.MailStatus.Max(models.MailStatusFollowUp10Sent)
	default:
		return nil, fmt.Errorf("apply %s: %w", action, ErrNoTransition)
	}

	next.RetryCount = 0
	next.NextRetryAt = nil
	return &next, nil
}

// ApplyReply records reply text on a copy of the lead, re-classifies its
// priority and moves it to REPLIED. Replies to an already replied lead replace
// the stored text.
func ApplyReply(lead *models.Lead, text string, at time.Time) (*models.Lead, error) {
	if lead == nil {
		return nil, errors.New("apply reply: nil lead")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, models.ErrEmptyReply
	}
	if len(text) > models.MaxReplyTextLength {
		text = strings.ToValidUTF8(text[:models.MaxReplyTextLength], "")
	}
	next := *lead
	next.ReplyText = text
	next.Priority = priority.Classify(text)
	next.MailStatus = models.MailStatusReplied
	at = at.UTC()
	next.RepliedAt = &at
	next.NextRetryAt = nil
	return &next, nil
}
