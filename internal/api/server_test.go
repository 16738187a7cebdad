package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BTreeMap/OutreachPipe/internal/dlq"
	"github.com/BTreeMap/OutreachPipe/internal/engine"
	"github.com/BTreeMap/OutreachPipe/internal/events"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/quota"
	"github.com/BTreeMap/OutreachPipe/internal/replies"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/testutil"
)

type fakeRunner struct {
	run      *models.BatchRun
	runErr   error
	sweep    *engine.SweepResult
	sweepErr error
	triggers []models.RunTrigger
}

func (f *fakeRunner) SendNow(ctx context.Context) (*models.BatchRun, error) {
	f.triggers = append(f.triggers, models.RunTriggerManual)
	return f.run, f.runErr
}

func (f *fakeRunner) RetrySweep(ctx context.Context, trigger models.RunTrigger) (*engine.SweepResult, error) {
	f.triggers = append(f.triggers, trigger)
	return f.sweep, f.sweepErr
}

func (f *fakeRunner) Today() models.Date {
	return models.DateOf(testutil.Monday)
}

type testServer struct {
	store  *store.SQLiteStore
	queue  *dlq.Queue
	runner *fakeRunner
	srv    *Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := testutil.NewSQLiteStore(t)
	clock := testutil.NewClock()
	q := dlq.New(s, s, dlq.DefaultPolicy(), clock)
	rec := events.NewRecorder(s, clock)
	runner := &fakeRunner{}
	srv := NewServer(Deps{
		Leads:   s,
		Runs:    s,
		DLQ:     q,
		Quota:   quota.NewTracker(s, 400),
		Runner:  runner,
		Replies: replies.NewIngestor(s, s, q, rec, nil, clock),
	})
	return &testServer{store: s, queue: q, runner: runner, srv: srv}
}

func (ts *testServer) do(t *testing.T, method, url string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, method, url, body))
	return rr
}

func (ts *testServer) doRaw(t *testing.T, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/health", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	testutil.AssertJSONResponse(t, rr, "ok")

	rr = ts.do(t, http.MethodGet, "/metrics", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
	if !strings.Contains(rr.Body.String(), "outreach_http_requests_total") {
		t.Error("metrics output missing the request counter")
	}
}

func TestCreateLead(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantAPI    string
	}{
		{"single lead", `{"email":"Jane@Example.com","name":"Jane","company":"Acme","country":"US"}`, http.StatusCreated, "ok"},
		{"legacy status", `{"email":"old@example.com","mail_status":"email_sent","initial_sent_date":"2025-02-20"}`, http.StatusCreated, "ok"},
		{"missing email", `{"name":"nobody"}`, http.StatusBadRequest, "error"},
		{"bad email", `{"email":"not-an-email"}`, http.StatusBadRequest, "error"},
		{"unknown status", `{"email":"x@example.com","mail_status":"bounced"}`, http.StatusBadRequest, "error"},
		{"contacted without date", `{"email":"y@example.com","mail_status":"sent"}`, http.StatusBadRequest, "error"},
		{"malformed", `{"email":`, http.StatusBadRequest, "error"},
		{"empty array", `[]`, http.StatusBadRequest, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rr := ts.doRaw(t, http.MethodPost, "/api/leads", tt.body)
			testutil.AssertHTTPStatus(t, tt.wantStatus, rr.Code, tt.name)
			testutil.AssertJSONResponse(t, rr, tt.wantAPI)
		})
	}
}

func TestCreateLead_BatchNormalizesAndDedups(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	body := `[
		{"email":"a@example.com","mail_status":"followup_5day","initial_sent_date":"2025-02-20","payload":{"industry":"saas"}},
		{"email":"b@example.com"},
		{"email":"bad"}
	]`
	rr := ts.doRaw(t, http.MethodPost, "/api/leads", body)
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "batch import")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	result := resp["result"].(map[string]interface{})
	if created := result["created"].([]interface{}); len(created) != 2 {
		t.Errorf("created = %v, want 2 ids", created)
	}
	if rejected := result["rejected"].(map[string]interface{}); rejected["bad"] == nil {
		t.Errorf("expected 'bad' to be rejected: %v", rejected)
	}

	lead, err := ts.store.FindLeadByEmail(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("FindLeadByEmail failed: %v", err)
	}
	if lead.MailStatus != models.MailStatusFollowUp5Sent || !lead.FollowUp5Sent || lead.FollowUp10Date != "2025-03-02" {
		t.Errorf("legacy lead not normalized: %+v", lead)
	}
	if !strings.Contains(lead.Payload, "saas") {
		t.Errorf("payload lost: %q", lead.Payload)
	}

	rr = ts.doRaw(t, http.MethodPost, "/api/leads", `{"email":"b@example.com"}`)
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "duplicate import")
}

func TestListAndGetLeads(t *testing.T) {
	ts := newTestServer(t)
	leads := testutil.SeedLeads(t, ts.store, 3)

	rr := ts.do(t, http.MethodGet, "/api/leads?status=new&limit=2", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "list")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if got := resp["result"].([]interface{}); len(got) != 2 {
		t.Errorf("listed %d leads, want 2", len(got))
	}

	for _, bad := range []string{"/api/leads?status=bounced", "/api/leads?priority=urgent", "/api/leads?limit=-1"} {
		rr = ts.do(t, http.MethodGet, bad, nil)
		testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, bad)
	}

	rr = ts.do(t, http.MethodGet, "/api/leads/"+leads[1].ID, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get")
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	if email := resp["result"].(map[string]interface{})["email"]; email != leads[1].Email {
		t.Errorf("email = %v, want %s", email, leads[1].Email)
	}

	rr = ts.do(t, http.MethodGet, "/api/leads/missing", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "get missing")
}

func TestReplyEndpoint(t *testing.T) {
	ts := newTestServer(t)
	lead := testutil.SeedLeads(t, ts.store, 1)[0]
	url := "/api/leads/" + lead.ID + "/reply"

	rr := ts.do(t, http.MethodPost, url, map[string]string{"text": "Interested, let's schedule a call", "message_id": "<m1@x>"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "reply")
	testutil.AssertJSONResponse(t, rr, "ok")
	got := testutil.MustGetLead(t, ts.store, lead.ID)
	if got.MailStatus != models.MailStatusReplied || got.Priority != models.PriorityHigh {
		t.Errorf("unexpected lead after reply: status=%s priority=%s", got.MailStatus, got.Priority)
	}

	rr = ts.do(t, http.MethodPost, url, map[string]string{"text": "again", "message_id": "<m1@x>"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "duplicate reply")
	testutil.AssertJSONResponse(t, rr, "recorded")

	rr = ts.do(t, http.MethodPost, url, map[string]string{"message_id": "<m2@x>"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty reply")

	rr = ts.do(t, http.MethodPost, "/api/leads/missing/reply", map[string]string{"text": "hi"})
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown lead")
}

func TestStatsQuotaAndBatches(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	testutil.SeedLeads(t, ts.store, 4)
	run := &models.BatchRun{ID: "run-1", Trigger: models.RunTriggerManual, Date: "2025-03-03",
		Status: models.RunStatusCompleted, StartedAt: testutil.Monday}
	if err := ts.store.CreateBatchRun(ctx, run); err != nil {
		t.Fatalf("CreateBatchRun failed: %v", err)
	}

	rr := ts.do(t, http.MethodGet, "/api/stats/leads", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "lead stats")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if total := resp["result"].(map[string]interface{})["total"]; total != float64(4) {
		t.Errorf("total = %v, want 4", total)
	}

	rr = ts.do(t, http.MethodGet, "/api/quota/today", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "quota")
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	q := resp["result"].(map[string]interface{})
	if q["quota_limit"] != float64(400) || q["date"] != "2025-03-03" {
		t.Errorf("unexpected quota: %v", q)
	}

	rr = ts.do(t, http.MethodGet, "/api/batches", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "batches")
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	if runs := resp["result"].([]interface{}); len(runs) != 1 {
		t.Errorf("listed %d runs, want 1", len(runs))
	}
}

func TestDLQViews(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	lead := testutil.SeedLeads(t, ts.store, 1)[0]
	msg := models.RenderedMessage{To: lead.Email, Subject: "Hi", Body: "Hello"}
	rec, err := ts.queue.EnqueueFailure(ctx, lead, models.ActionSendInitial, msg, models.ErrorTypeRateLimit, errors.New("429"))
	if err != nil {
		t.Fatalf("EnqueueFailure failed: %v", err)
	}

	rr := ts.do(t, http.MethodGet, "/api/dlq?status=PENDING", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "dlq list")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if got := resp["result"].([]interface{}); len(got) != 1 {
		t.Errorf("listed %d records, want 1", len(got))
	}

	rr = ts.do(t, http.MethodGet, "/api/dlq?status=LOST", nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "dlq bad status")

	rr = ts.do(t, http.MethodGet, "/api/dlq/"+rec.ID, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "dlq get")
	rr = ts.do(t, http.MethodGet, "/api/dlq/nope", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "dlq get missing")

	rr = ts.do(t, http.MethodGet, "/api/dlq/stats", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "dlq stats")
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	byStatus := resp["result"].(map[string]interface{})["by_status"].(map[string]interface{})
	if byStatus["PENDING"] != float64(1) {
		t.Errorf("by_status = %v", byStatus)
	}
}

func TestManualTriggers(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		runErr     error
		run        *models.BatchRun
		wantStatus int
		wantAPI    string
	}{
		{"send now", "/api/send-now", nil, &models.BatchRun{ID: "r1", Status: models.RunStatusCompleted}, http.StatusOK, "accepted"},
		{"send now busy", "/api/send-now", engine.ErrRunInProgress, nil, http.StatusConflict, "error"},
		{"send now failed", "/api/send-now", fmt.Errorf("dispatch: %w", errors.New("db")), &models.BatchRun{ID: "r2", Status: models.RunStatusFailed}, http.StatusInternalServerError, "error"},
		{"sweep", "/api/dlq/sweep", nil, nil, http.StatusOK, "accepted"},
		{"sweep busy", "/api/dlq/sweep", engine.ErrRunInProgress, nil, http.StatusConflict, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.runner.run, ts.runner.runErr = tt.run, tt.runErr
			ts.runner.sweep, ts.runner.sweepErr = &engine.SweepResult{Claimed: 2, Resolved: 2}, tt.runErr
			rr := ts.do(t, http.MethodPost, tt.url, nil)
			testutil.AssertHTTPStatus(t, tt.wantStatus, rr.Code, tt.name)
			testutil.AssertJSONResponse(t, rr, tt.wantAPI)
			if len(ts.runner.triggers) != 1 || ts.runner.triggers[0] != models.RunTriggerManual {
				t.Errorf("triggers = %v, want one manual trigger", ts.runner.triggers)
			}
		})
	}
}

func TestPageParams(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
		wantErr    bool
	}{
		{"", 100, 0, false},
		{"?limit=5&offset=10", 5, 10, false},
		{"?limit=50000", 1000, 0, false},
		{"?limit=0", 0, 0, true},
		{"?offset=x", 0, 0, true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/leads"+tt.query, nil)
		limit, offset, err := pageParams(r, 100, 1000)
		if (err != nil) != tt.wantErr || limit != tt.wantLimit || offset != tt.wantOffset {
			t.Errorf("pageParams(%q) = %d, %d, %v", tt.query, limit, offset, err)
		}
	}
}
