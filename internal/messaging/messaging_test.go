package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"gopkg.in/gomail.v2"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.ErrorType
	}{
		{"nil", nil, models.ErrorTypeUnknown},
		{"plain", errors.New("boom"), models.ErrorTypeUnknown},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), models.ErrorTypeTimeout},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, models.ErrorTypeTimeout},
		{"net refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, models.ErrorTypeNetwork},
		{"typed", NewSendError(models.ErrorTypeRateLimit, errors.New("slow down")), models.ErrorTypeRateLimit},
		{"wrapped typed", fmt.Errorf("outer: %w", NewSendError(models.ErrorTypeValidation, errors.New("bad"))), models.ErrorTypeValidation},
		{"smtp mailbox", &textproto.Error{Code: 550, Msg: "no such user"}, models.ErrorTypeValidation},
		{"smtp busy", &textproto.Error{Code: 421, Msg: "try later"}, models.ErrorTypeRateLimit},
		{"smtp other", &textproto.Error{Code: 554, Msg: "rejected"}, models.ErrorTypeAPIError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorTypeForStatus(t *testing.T) {
	tests := map[int]models.ErrorType{
		429: models.ErrorTypeRateLimit,
		400: models.ErrorTypeValidation,
		422: models.ErrorTypeValidation,
		504: models.ErrorTypeTimeout,
		401: models.ErrorTypeAPIError,
		500: models.ErrorTypeAPIError,
		302: models.ErrorTypeUnknown,
	}
	for code, want := range tests {
		if got := ErrorTypeForStatus(code); got != want {
			t.Errorf("ErrorTypeForStatus(%d) = %s, want %s", code, got, want)
		}
	}
}

func TestWebhookTransport_FollowUpCarriesThread(t *testing.T) {
	var got webhookRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"message_id":"m-2","gmail_thread_id":"th-1"}`))
	}))
	defer srv.Close()

	tr := NewWebhookTransport(WebhookURLs{Initial: srv.URL + "/initial", FollowUp5: srv.URL + "/f5"}, srv.Client())
	lead := &models.Lead{ID: "lead-1", Email: "a@b.com", ProviderMessageID: "m-1", CorrelationID: "th-1"}
	out := OutboundFor(lead, models.ActionSendFollowUp5, models.RenderedMessage{To: "a@b.com", Subject: "Re: hi", Body: "body"})

	receipt, err := tr.Send(context.Background(), out)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if path != "/f5" {
		t.Errorf("expected follow-up URL, got %q", path)
	}
	if got.EmailID != "a@b.com" || got.GmailThreadID != "th-1" || got.MessageID != "m-1" || got.EmailType != "followup_5day" {
		t.Errorf("unexpected payload: %+v", got)
	}
	if receipt.ProviderMessageID != "m-2" || receipt.ThreadID != "th-1" {
		t.Errorf("unexpected receipt: %+v", receipt)
	}
}

func TestWebhookTransport_InitialHasNoThread(t *testing.T) {
	var raw map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		w.Write([]byte(`{"message_id":"m-1","thread_id":"th-9"}`))
	}))
	defer srv.Close()

	tr := NewWebhookTransport(WebhookURLs{Initial: srv.URL}, srv.Client())
	lead := &models.Lead{ID: "lead-1", Email: "a@b.com"}
	receipt, err := tr.Send(context.Background(), OutboundFor(lead, models.ActionSendInitial, models.RenderedMessage{To: "a@b.com"}))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, ok := raw["gmail_thread_id"]; ok {
		t.Error("initial send must not carry a thread id")
	}
	if receipt.ThreadID != "th-9" {
		t.Errorf("expected thread_id fallback, got %+v", receipt)
	}
}

func TestWebhookTransport_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   models.ErrorType
	}{
		{"rate limited", 429, `{}`, models.ErrorTypeRateLimit},
		{"bad request", 400, `{"error":"bad"}`, models.ErrorTypeValidation},
		{"server error", 502, `oops`, models.ErrorTypeAPIError},
		{"workflow failure", 200, `{"success":false,"error":"gmail quota"}`, models.ErrorTypeAPIError},
		{"missing message id", 200, `{"success":true}`, models.ErrorTypeAPIError},
		{"not json", 200, `ok`, models.ErrorTypeAPIError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			tr := NewWebhookTransport(WebhookURLs{Initial: srv.URL}, srv.Client())
			_, err := tr.Send(context.Background(), Outbound{Action: models.ActionSendInitial, Message: models.RenderedMessage{To: "a@b.com"}})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := Classify(err); got != tt.want {
				t.Errorf("Classify = %s, want %s (err=%v)", got, tt.want, err)
			}
		})
	}
}

func TestWebhookTransport_TimeoutIsFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	tr := NewWebhookTransport(WebhookURLs{Initial: srv.URL}, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.Send(ctx, Outbound{Action: models.ActionSendInitial, Message: models.RenderedMessage{To: "a@b.com"}})
	if err == nil {
		t.Fatal("a timed out send must not succeed")
	}
	if got := Classify(err); got != models.ErrorTypeTimeout {
		t.Errorf("Classify = %s, want TIMEOUT", got)
	}
}

func TestValidatingTransport(t *testing.T) {
	mock := NewMockTransport()
	tr := NewValidatingTransport(mock, false)

	_, err := tr.Send(context.Background(), Outbound{Message: models.RenderedMessage{To: "not-an-email"}})
	if Classify(err) != models.ErrorTypeValidation {
		t.Errorf("expected VALIDATION, got %v", err)
	}
	_, err = tr.Send(context.Background(), Outbound{Message: models.RenderedMessage{To: "  "}})
	if Classify(err) != models.ErrorTypeValidation {
		t.Errorf("expected VALIDATION for empty recipient, got %v", err)
	}
	if len(mock.Sent()) != 0 {
		t.Fatal("invalid addresses must not reach the transport")
	}

	if _, err := tr.Send(context.Background(), Outbound{Message: models.RenderedMessage{To: " ok@example.com "}}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if sent := mock.Sent(); len(sent) != 1 || sent[0].Message.To != "ok@example.com" {
		t.Errorf("unexpected sends: %+v", sent)
	}
}

type fakeDialer struct {
	msgs []*gomail.Message
	err  error
	wait time.Duration
}

func (f *fakeDialer) DialAndSend(m ...*gomail.Message) error {
	if f.wait > 0 {
		time.Sleep(f.wait)
	}
	f.msgs = append(f.msgs, m...)
	return f.err
}

func TestSMTPTransport_Headers(t *testing.T) {
	fd := &fakeDialer{}
	tr := NewSMTPTransport(SMTPConfig{FromEmail: "sales@outreach.io", FromName: "Sales"})
	tr.dialer = fd

	out := Outbound{
		LeadID: "lead-1", Action: models.ActionSendFollowUp10,
		Message:   models.RenderedMessage{To: "a@b.com", Subject: "Re: hi", Body: "text"},
		InReplyTo: "<orig@outreach.io>", ThreadID: "<orig@outreach.io>",
	}
	receipt, err := tr.Send(context.Background(), out)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(fd.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fd.msgs))
	}
	m := fd.msgs[0]
	if got := m.GetHeader("In-Reply-To"); len(got) != 1 || got[0] != "<orig@outreach.io>" {
		t.Errorf("In-Reply-To = %v", got)
	}
	if got := m.GetHeader("Message-ID"); len(got) != 1 || !strings.HasSuffix(got[0], "@outreach.io>") {
		t.Errorf("Message-ID = %v", got)
	}
	if receipt.ThreadID != "<orig@outreach.io>" || receipt.ProviderMessageID == "" {
		t.Errorf("unexpected receipt: %+v", receipt)
	}
}

func TestSMTPTransport_Errors(t *testing.T) {
	fd := &fakeDialer{err: &textproto.Error{Code: 550, Msg: "mailbox unavailable"}}
	tr := NewSMTPTransport(SMTPConfig{FromEmail: "sales@outreach.io"})
	tr.dialer = fd
	_, err := tr.Send(context.Background(), Outbound{Message: models.RenderedMessage{To: "a@b.com"}})
	if Classify(err) != models.ErrorTypeValidation {
		t.Errorf("expected VALIDATION, got %v", err)
	}

	tr.dialer = &fakeDialer{wait: 200 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tr.Send(ctx, Outbound{Message: models.RenderedMessage{To: "a@b.com"}})
	if Classify(err) != models.ErrorTypeTimeout {
		t.Errorf("expected TIMEOUT, got %v", err)
	}
}

func TestMockTransport_Scripted(t *testing.T) {
	m := NewMockTransport()
	m.FailNext("a@b.com", errors.New("first"), nil)
	ctx := context.Background()
	out := Outbound{Message: models.RenderedMessage{To: "a@b.com"}}

	if _, err := m.Send(ctx, out); err == nil {
		t.Error("expected scripted failure")
	}
	if _, err := m.Send(ctx, out); err != nil {
		t.Errorf("expected scripted success, got %v", err)
	}
	if len(m.SentTo("a@b.com")) != 1 {
		t.Errorf("expected 1 recorded send")
	}
}

func TestLogTransport_ReceiptsWithoutRecording(t *testing.T) {
	lt := NewLogTransport()
	ctx := context.Background()

	first, err := lt.Send(ctx, Outbound{Message: models.RenderedMessage{To: "a@b.com", Subject: "Hi"}})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if first.ProviderMessageID == "" || first.ThreadID != first.ProviderMessageID {
		t.Errorf("initial send should start its own thread: %+v", first)
	}
	follow, err := lt.Send(ctx, Outbound{Message: models.RenderedMessage{To: "a@b.com"}, ThreadID: first.ThreadID, InReplyTo: first.ProviderMessageID})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if follow.ThreadID != first.ThreadID || follow.ProviderMessageID == first.ProviderMessageID {
		t.Errorf("follow-up should keep the thread with a new id: %+v", follow)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := lt.Send(cancelled, Outbound{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
