// Package testutil provides common test utilities and helpers for OutreachPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/util"
)

// Monday is a fixed business-day morning used as "now" across tests.
var Monday = time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)

// NewSQLiteStore creates a SQLite store in a per-test temporary directory.
// The store is closed when the test finishes.
func NewSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "outreach.db")))
	if err != nil {
		t.Fatalf("failed to create SQLite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// NewClock returns a FixedClock set to Monday.
func NewClock() *util.FixedClock {
	return util.NewFixedClock(Monday)
}

// SeedLeads inserts n NEW leads named lead0..lead{n-1} with addresses
// leadN@example.com, in creation order.
func SeedLeads(t *testing.T, repo store.LeadRepo, n int) []*models.Lead {
	t.Helper()
	leads := make([]*models.Lead, 0, n)
	for i := 0; i < n; i++ {
		l := &models.Lead{
			Email:   fmt.Sprintf("lead%d@example.com", i),
			Name:    fmt.Sprintf("Lead %d", i),
			Company: fmt.Sprintf("Company %d", i),
		}
		if err := repo.InsertLead(context.Background(), l); err != nil {
			t.Fatalf("failed to seed lead %d: %v", i, err)
		}
		leads = append(leads, l)
	}
	return leads
}

// MustGetLead reloads a lead and fails the test if it cannot.
func MustGetLead(t *testing.T, repo store.LeadRepo, id string) *models.Lead {
	t.Helper()
	l, err := repo.GetLead(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get lead %s: %v", id, err)
	}
	return l
}

// AssertLeadStatus checks a lead's stored mail status.
func AssertLeadStatus(t *testing.T, repo store.LeadRepo, id string, want models.MailStatus) {
	t.Helper()
	if got := MustGetLead(t, repo, id).MailStatus; got != want {
		t.Errorf("lead %s: expected status %s, got %s", id, want, got)
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}
