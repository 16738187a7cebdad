package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

const today = models.Date("2025-03-10")

func sentLead(initial models.Date) *models.Lead {
	return &models.Lead{
		ID:              "lead_1",
		Email:           "a@example.com",
		MailStatus:      models.MailStatusSent,
		InitialSentDate: initial,
		FollowUp5Date:   initial.AddDays(FollowUp5Days),
		FollowUp10Date:  initial.AddDays(FollowUp10Days),
		EmailProcessed:  true,
	}
}

func TestNextAction(t *testing.T) {
	tests := []struct {
		name string
		lead *models.Lead
		want models.Action
	}{
		{"nil lead", nil, models.ActionNone},
		{"new lead", &models.Lead{Email: "a@example.com", MailStatus: models.MailStatusNew}, models.ActionSendInitial},
		{"new lead without email", &models.Lead{MailStatus: models.MailStatusNew}, models.ActionNone},
		{"sent, follow-up 5 not due", sentLead(today.AddDays(-4)), models.ActionNone},
		{"sent, follow-up 5 due today", sentLead(today.AddDays(-5)), models.ActionSendFollowUp5},
		{"sent, follow-up 5 overdue", sentLead(today.AddDays(-7)), models.ActionSendFollowUp5},
		{"sent, both overdue prefers 5", sentLead(today.AddDays(-12)), models.ActionSendFollowUp5},
		{"follow-up 5 sent, 10 due", func() *models.Lead {
			l := sentLead(today.AddDays(-10))
			l.MailStatus = models.MailStatusFollowUp5Sent
			l.FollowUp5Sent = true
			return l
		}(), models.ActionSendFollowUp10},
		{"follow-up 10 sent", func() *models.Lead {
			l := sentLead(today.AddDays(-20))
			l.MailStatus = models.MailStatusFollowUp10Sent
			l.FollowUp5Sent = true
			l.FollowUp10Sent = true
			return l
		}(), models.ActionNone},
		{"replied with dates due", func() *models.Lead {
			l := sentLead(today.AddDays(-20))
			l.MailStatus = models.MailStatusReplied
			return l
		}(), models.ActionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextAction(tt.lead, today); got != tt.want {
				t.Errorf("NextAction = %s, want %s", got, tt.want)
			}
		})
	}
}

// A SENT lead gets SEND_FOLLOWUP_5 exactly when today >= its scheduled date and
// the flag is unset.
func TestNextActionFollowUp5Property(t *testing.T) {
	for offset := -15; offset <= 15; offset++ {
		for _, flag := range []bool{false, true} {
			l := sentLead(today.AddDays(-FollowUp5Days))
			l.FollowUp5Date = today.AddDays(offset)
			l.FollowUp10Date = today.AddDays(100)
			l.FollowUp5Sent = flag
			wantFollowUp := offset <= 0 && !flag
			got := NextAction(l, today) == models.ActionSendFollowUp5
			if got != wantFollowUp {
				t.Errorf("offset=%d sent=%t: follow-up5=%t, want %t", offset, flag, got, wantFollowUp)
			}
		}
	}
}

func TestApplyInitial(t *testing.T) {
	lead := &models.Lead{ID: "lead_1", Email: "a@example.com", MailStatus: models.MailStatusNew}
	got, err := Apply(lead, models.ActionSendInitial, today, models.SendReceipt{ProviderMessageID: "<m1@x>", ThreadID: "t1"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got.MailStatus != models.MailStatusSent {
		t.Errorf("status = %s, want SENT", got.MailStatus)
	}
	if got.FollowUp5Date != "2025-03-15" || got.FollowUp10Date != "2025-03-20" {
		t.Errorf("follow-up dates = %s/%s", got.FollowUp5Date, got.FollowUp10Date)
	}
	if !got.EmailProcessed || got.InitialSentDate != today {
		t.Error("initial send should mark processed and record date")
	}
	if got.CorrelationID != "t1" || got.ProviderMessageID != "<m1@x>" {
		t.Errorf("threading not recorded: %+v", got)
	}
	if lead.MailStatus != models.MailStatusNew {
		t.Error("Apply must not modify its input")
	}
}

func TestApplyFollowUpsAnchorAndNeverRegress(t *testing.T) {
	lead := sentLead(today.AddDays(-12))
	// The 10-day follow-up landed first (e.g. the 5-day one was retried late).
	after10, err := Apply(lead, models.ActionSendFollowUp10, today, models.SendReceipt{})
	if err != nil {
		t.Fatalf("Apply follow-up 10: %v", err)
	}
	if after10.MailStatus != models.MailStatusFollowUp10Sent || !after10.FollowUp10Sent {
		t.Fatalf("after follow-up 10: %+v", after10)
	}
	after5, err := Apply(after10, models.ActionSendFollowUp5, today, models.SendReceipt{})
	if err != nil {
		t.Fatalf("Apply follow-up 5: %v", err)
	}
	if after5.MailStatus != models.MailStatusFollowUp10Sent {
		t.Errorf("status regressed to %s", after5.MailStatus)
	}
	if after5.FollowUp10Date != lead.InitialSentDate.AddDays(FollowUp10Days) {
		t.Error("follow-up 10 date must stay anchored to the initial send")
	}
}

func TestApplyRejectsRepeatedActions(t *testing.T) {
	lead := sentLead(today.AddDays(-5))
	if _, err := Apply(lead, models.ActionSendInitial, today, models.SendReceipt{}); !errors.Is(err, ErrNoTransition) {
		t.Errorf("second initial: got %v, want ErrNoTransition", err)
	}
	done, err := Apply(lead, models.ActionSendFollowUp5, today, models.SendReceipt{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := Apply(done, models.ActionSendFollowUp5, today, models.SendReceipt{}); !errors.Is(err, ErrNoTransition) {
		t.Errorf("second follow-up 5: got %v, want ErrNoTransition", err)
	}
	replied := *lead
	replied.MailStatus = models.MailStatusReplied
	if _, err := Apply(&replied, models.ActionSendFollowUp10, today, models.SendReceipt{}); !errors.Is(err, ErrNoTransition) {
		t.Errorf("replied lead: got %v, want ErrNoTransition", err)
	}
	if _, err := Apply(lead, models.ActionNone, today, models.SendReceipt{}); !errors.Is(err, ErrNoTransition) {
		t.Errorf("NONE action: got %v, want ErrNoTransition", err)
	}
}

func TestApplyReplyStopsFollowUps(t *testing.T) {
	lead := sentLead(today.AddDays(-12))
	at := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	got, err := ApplyReply(lead, "Interested, let's talk", at)
	if err != nil {
		t.Fatalf("ApplyReply: %v", err)
	}
	if got.MailStatus != models.MailStatusReplied {
		t.Errorf("status = %s, want REPLIED", got.MailStatus)
	}
	if got.Priority == models.PriorityNone {
		t.Error("expected a non-NONE priority")
	}
	if NextAction(got, today.AddDays(30)) != models.ActionNone {
		t.Error("replied lead must have no further actions")
	}

	again, err := ApplyReply(got, "Actually, please unsubscribe me", at.Add(time.Hour))
	if err != nil {
		t.Fatalf("ApplyReply again: %v", err)
	}
	if again.Priority != models.PriorityLow {
		t.Errorf("priority not re-evaluated: %s", again.Priority)
	}

	if _, err := ApplyReply(lead, "   ", at); !errors.Is(err, models.ErrEmptyReply) {
		t.Errorf("empty reply: got %v", err)
	}
}
