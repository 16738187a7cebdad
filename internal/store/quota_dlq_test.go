package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// --- Quota repo tests ---

func TestSQLiteStore_DailyQuota_CarriesOffset(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	q1, err := s.GetOrCreateDailyQuota(ctx, "2025-03-01", 400)
	if err != nil {
		t.Fatalf("GetOrCreateDailyQuota failed: %v", err)
	}
	if q1.BatchOffset != 0 || q1.QuotaLimit != 400 {
		t.Fatalf("unexpected first row: %+v", q1)
	}
	for from := 0; from < 3; from++ {
		ok, err := s.AdvanceBatchOffset(ctx, "2025-03-01", from)
		if err != nil || !ok {
			t.Fatalf("AdvanceBatchOffset(%d): ok=%v err=%v", from, ok, err)
		}
	}

	q2, err := s.GetOrCreateDailyQuota(ctx, "2025-03-02", 400)
	if err != nil {
		t.Fatalf("GetOrCreateDailyQuota failed: %v", err)
	}
	if q2.BatchOffset != 3 || q2.EmailsSent != 0 {
		t.Errorf("expected offset carried over with fresh counters, got %+v", q2)
	}

	// Existing rows are returned untouched.
	again, err := s.GetOrCreateDailyQuota(ctx, "2025-03-01", 10)
	if err != nil {
		t.Fatalf("GetOrCreateDailyQuota failed: %v", err)
	}
	if again.QuotaLimit != 400 || again.BatchOffset != 3 {
		t.Errorf("existing row modified: %+v", again)
	}
}

func TestSQLiteStore_AdvanceBatchOffset_CAS(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	if _, err := s.GetOrCreateDailyQuota(ctx, "2025-03-01", 400); err != nil {
		t.Fatalf("GetOrCreateDailyQuota failed: %v", err)
	}

	ok, _ := s.AdvanceBatchOffset(ctx, "2025-03-01", 0)
	if !ok {
		t.Fatal("first advance should succeed")
	}
	ok, _ = s.AdvanceBatchOffset(ctx, "2025-03-01", 0)
	if ok {
		t.Fatal("second advance from the same offset should fail")
	}
	q, _ := s.GetDailyQuota(ctx, "2025-03-01")
	if q.BatchOffset != 1 {
		t.Errorf("expected offset 1, got %d", q.BatchOffset)
	}
}

func TestSQLiteStore_ReserveSend_NeverExceedsLimit(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	if _, err := s.GetOrCreateDailyQuota(ctx, "2025-03-01", 5); err != nil {
		t.Fatalf("GetOrCreateDailyQuota failed: %v", err)
	}

	var mu sync.Mutex
	reserved := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ReserveSend(ctx, "2025-03-01")
			if err != nil {
				t.Errorf("ReserveSend failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				reserved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if reserved != 5 {
		t.Errorf("expected exactly 5 reservations, got %d", reserved)
	}
	q, _ := s.GetDailyQuota(ctx, "2025-03-01")
	if q.EmailsSent != 5 || q.Remaining() != 0 {
		t.Errorf("unexpected quota row: %+v", q)
	}

	if err := s.RefundSend(ctx, "2025-03-01"); err != nil {
		t.Fatalf("RefundSend failed: %v", err)
	}
	if err := s.AddLeadsProcessed(ctx, "2025-03-01", 4); err != nil {
		t.Fatalf("AddLeadsProcessed failed: %v", err)
	}
	q, _ = s.GetDailyQuota(ctx, "2025-03-01")
	if q.EmailsSent != 4 || q.LeadsProcessed != 4 {
		t.Errorf("unexpected quota row after refund: %+v", q)
	}

	list, err := s.ListDailyQuotas(ctx, 0)
	if err != nil || len(list) != 1 {
		t.Errorf("ListDailyQuotas: n=%d err=%v", len(list), err)
	}
}

func TestSQLiteStore_GetDailyQuota_NotFound(t *testing.T) {
	s := newTestSQLiteStore(t)
	if _, err := s.GetDailyQuota(context.Background(), "2030-01-01"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- Failed email repo tests ---

// newFailure mirrors a freshly dead-lettered send: the failed send is attempt 1.
func newFailure(leadID string, action models.Action, maxAttempts int) *models.FailedEmail {
	return &models.FailedEmail{
		LeadID: leadID, Action: action, EmailTo: "x@example.com", Subject: "Hi", Body: "Body",
		ErrorMessage: "connection refused", ErrorType: models.ErrorTypeNetwork,
		AttemptCount: 1, MaxAttempts: maxAttempts,
	}
}

// seedLeadIDs inserts leads with fixed IDs so failed_emails rows satisfy
// their foreign key.
func seedLeadIDs(t *testing.T, s LeadRepo, ids ...string) {
	t.Helper()
	for _, id := range ids {
		l := &models.Lead{ID: id, Email: id + "@example.com", Name: "Test", Country: "US"}
		if err := s.InsertLead(context.Background(), l); err != nil {
			t.Fatalf("InsertLead(%s) failed: %v", id, err)
		}
	}
}

func TestSQLiteStore_UpsertFailedEmail_OneOpenPerAction(t *testing.T) {
	s := newTestSQLiteStore(t)
	seedLeadIDs(t, s, "lead-1")
	ctx := context.Background()

	first, err := s.UpsertFailedEmail(ctx, newFailure("lead-1", models.ActionSendInitial, 3))
	if err != nil {
		t.Fatalf("UpsertFailedEmail failed: %v", err)
	}
	if first.Status != models.DLQStatusPending || first.AttemptCount != 1 {
		t.Fatalf("unexpected record: %+v", first)
	}

	again := newFailure("lead-1", models.ActionSendInitial, 3)
	again.ErrorMessage = "timeout"
	again.ErrorType = models.ErrorTypeTimeout
	second, err := s.UpsertFailedEmail(ctx, again)
	if err != nil {
		t.Fatalf("UpsertFailedEmail failed: %v", err)
	}
	if second.ID != first.ID || second.ErrorType != models.ErrorTypeTimeout {
		t.Errorf("expected open record refreshed, got %+v", second)
	}

	other, err := s.UpsertFailedEmail(ctx, newFailure("lead-1", models.ActionSendFollowUp5, 3))
	if err != nil {
		t.Fatalf("UpsertFailedEmail failed: %v", err)
	}
	if other.ID == first.ID {
		t.Error("different action must get its own record")
	}

	open, err := s.OpenFailedEmail(ctx, "lead-1", models.ActionSendInitial)
	if err != nil || open.ID != first.ID {
		t.Errorf("OpenFailedEmail: %+v err=%v", open, err)
	}
}

func TestSQLiteStore_FailedEmail_RetryToExhaustion(t *testing.T) {
	s := newTestSQLiteStore(t)
	seedLeadIDs(t, s, "lead-1")
	ctx := context.Background()
	now := time.Now().UTC()

	rec, err := s.UpsertFailedEmail(ctx, newFailure("lead-1", models.ActionSendInitial, 3))
	if err != nil {
		t.Fatalf("UpsertFailedEmail failed: %v", err)
	}

	// The record already carries attempt 1; retries are attempts 2 and 3.
	for i := 2; i <= 3; i++ {
		claimed, err := s.ClaimRetryReady(ctx, now.Add(24*time.Hour), 10)
		if err != nil {
			t.Fatalf("ClaimRetryReady failed: %v", err)
		}
		if len(claimed) != 1 || claimed[0].Status != models.DLQStatusRetrying {
			t.Fatalf("attempt %d: expected one RETRYING record, got %+v", i, claimed)
		}
		got, err := s.RecordFailedAttempt(ctx, rec.ID, "still down", models.ErrorTypeNetwork, now, now.Add(time.Minute))
		if err != nil {
			t.Fatalf("RecordFailedAttempt failed: %v", err)
		}
		if got.AttemptCount != i {
			t.Errorf("attempt %d: expected attempt_count %d, got %d", i, i, got.AttemptCount)
		}
		if i < 3 && got.Status != models.DLQStatusPending {
			t.Errorf("attempt %d: expected PENDING, got %s", i, got.Status)
		}
		if i == 3 && (got.Status != models.DLQStatusFailed || got.NextRetryAt != nil) {
			t.Errorf("expected FAILED with no next retry, got %+v", got)
		}
	}

	// Terminal records are not claimed or changed.
	claimed, _ := s.ClaimRetryReady(ctx, now.Add(24*time.Hour), 10)
	if len(claimed) != 0 {
		t.Errorf("FAILED record must not be claimed, got %d", len(claimed))
	}
	got, err := s.RecordFailedAttempt(ctx, rec.ID, "again", models.ErrorTypeNetwork, now, now)
	if err != nil {
		t.Fatalf("RecordFailedAttempt on terminal failed: %v", err)
	}
	if got.AttemptCount != 3 || got.ErrorMessage != "still down" {
		t.Errorf("terminal record modified: %+v", got)
	}
}

func TestSQLiteStore_FailedEmail_NotReadyUntilNextRetry(t *testing.T) {
	s := newTestSQLiteStore(t)
	seedLeadIDs(t, s, "lead-1")
	ctx := context.Background()
	now := time.Now().UTC()

	f := newFailure("lead-1", models.ActionSendInitial, 3)
	next := now.Add(time.Hour)
	f.NextRetryAt = &next
	if _, err := s.UpsertFailedEmail(ctx, f); err != nil {
		t.Fatalf("UpsertFailedEmail failed: %v", err)
	}

	claimed, _ := s.ClaimRetryReady(ctx, now, 10)
	if len(claimed) != 0 {
		t.Errorf("record claimed before next_retry_at")
	}
	claimed, _ = s.ClaimRetryReady(ctx, now.Add(2*time.Hour), 10)
	if len(claimed) != 1 {
		t.Errorf("expected record ready after next_retry_at, got %d", len(claimed))
	}
}

func TestSQLiteStore_FailedEmail_SuccessAndRelease(t *testing.T) {
	s := newTestSQLiteStore(t)
	seedLeadIDs(t, s, "lead-1")
	ctx := context.Background()
	now := time.Now().UTC()

	rec, _ := s.UpsertFailedEmail(ctx, newFailure("lead-1", models.ActionSendInitial, 3))
	claimed, _ := s.ClaimRetryReady(ctx, now, 10)
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed, got %d", len(claimed))
	}

	if err := s.ReleaseRetry(ctx, rec.ID, now); err != nil {
		t.Fatalf("ReleaseRetry failed: %v", err)
	}
	got, _ := s.GetFailedEmail(ctx, rec.ID)
	if got.Status != models.DLQStatusPending || got.AttemptCount != 1 {
		t.Errorf("release must not count an attempt: %+v", got)
	}

	got, err := s.RecordSuccessfulAttempt(ctx, rec.ID, now)
	if err != nil {
		t.Fatalf("RecordSuccessfulAttempt failed: %v", err)
	}
	if got.Status != models.DLQStatusResolved || got.ResolvedAt == nil || got.AttemptCount != 2 {
		t.Errorf("unexpected resolved record: %+v", got)
	}
}

func TestSQLiteStore_ValidationFailureIsTerminal(t *testing.T) {
	s := newTestSQLiteStore(t)
	seedLeadIDs(t, s, "lead-1")
	ctx := context.Background()

	f := newFailure("lead-1", models.ActionSendInitial, 1)
	f.ErrorType = models.ErrorTypeValidation
	f.AttemptCount = 1
	f.Status = models.DLQStatusFailed
	rec, err := s.UpsertFailedEmail(ctx, f)
	if err != nil {
		t.Fatalf("UpsertFailedEmail failed: %v", err)
	}
	if rec.Status != models.DLQStatusFailed {
		t.Errorf("expected FAILED, got %s", rec.Status)
	}
	if _, err := s.OpenFailedEmail(ctx, "lead-1", models.ActionSendInitial); !errors.Is(err, ErrNotFound) {
		t.Errorf("FAILED record must not count as open, got %v", err)
	}
}

func TestSQLiteStore_ResolveOpenForLead(t *testing.T) {
	s := newTestSQLiteStore(t)
	seedLeadIDs(t, s, "lead-1", "lead-2")
	ctx := context.Background()
	now := time.Now().UTC()

	a, _ := s.UpsertFailedEmail(ctx, newFailure("lead-1", models.ActionSendFollowUp5, 3))
	s.UpsertFailedEmail(ctx, newFailure("lead-2", models.ActionSendFollowUp5, 3))

	n, err := s.ResolveOpenForLead(ctx, "lead-1", "lead replied", now)
	if err != nil {
		t.Fatalf("ResolveOpenForLead failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 resolved, got %d", n)
	}
	got, _ := s.GetFailedEmail(ctx, a.ID)
	if got.Status != models.DLQStatusResolved || !strings.HasSuffix(got.ErrorMessage, " | lead replied") {
		t.Errorf("unexpected record: %+v", got)
	}

	st, err := s.DLQStats(ctx)
	if err != nil {
		t.Fatalf("DLQStats failed: %v", err)
	}
	if st.Total != 2 || st.ByStatus[models.DLQStatusResolved] != 1 || st.ByStatus[models.DLQStatusPending] != 1 {
		t.Errorf("unexpected stats: %+v", st)
	}

	pending, err := s.ListFailedEmails(ctx, DLQFilter{Status: models.DLQStatusPending})
	if err != nil || len(pending) != 1 || pending[0].LeadID != "lead-2" {
		t.Errorf("ListFailedEmails: %+v err=%v", pending, err)
	}
}

func TestSQLiteStore_RequeueStaleRetrying(t *testing.T) {
	s := newTestSQLiteStore(t)
	seedLeadIDs(t, s, "lead-1")
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	s.UpsertFailedEmail(ctx, newFailure("lead-1", models.ActionSendInitial, 3))
	if claimed, _ := s.ClaimRetryReady(ctx, past, 10); len(claimed) != 1 {
		t.Fatalf("expected 1 claimed")
	}
	n, err := s.RequeueStaleRetrying(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("RequeueStaleRetrying failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 requeued, got %d", n)
	}
}
