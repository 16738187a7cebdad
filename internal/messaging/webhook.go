package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// DefaultWebhookTimeout bounds one webhook call.
const DefaultWebhookTimeout = 30 * time.Second

// WebhookURLs are the per-email-type endpoints of the mail automation.
type WebhookURLs struct {
	Initial    string
	FollowUp5  string
	FollowUp10 string
}

func (u WebhookURLs) forAction(a models.Action) string {
	switch a {
	case models.ActionSendFollowUp5:
		if u.FollowUp5 != "" {
			return u.FollowUp5
		}
	case models.ActionSendFollowUp10:
		if u.FollowUp10 != "" {
			return u.FollowUp10
		}
	}
	return u.Initial
}

type webhookRequest struct {
	EmailID       string `json:"email_id"`
	Subject       string `json:"subject"`
	Body          string `json:"body"`
	EmailType     string `json:"email_type"`
	LeadID        string `json:"lead_id,omitempty"`
	GmailThreadID string `json:"gmail_thread_id,omitempty"`
	MessageID     string `json:"message_id,omitempty"`
}

type webhookResponse struct {
	Success       *bool  `json:"success"`
	MessageID     string `json:"message_id"`
	GmailThreadID string `json:"gmail_thread_id"`
	ThreadID      string `json:"thread_id"`
	Error         string `json:"error"`
	Message       string `json:"message"`
}

// WebhookTransport hands messages to a workflow webhook which performs the
// actual delivery and reports the provider message and thread IDs.
type WebhookTransport struct {
	urls   WebhookURLs
	client *http.Client
}

// NewWebhookTransport creates a webhook transport. A nil client gets one with
// DefaultWebhookTimeout.
func NewWebhookTransport(urls WebhookURLs, client *http.Client) *WebhookTransport {
	if client == nil {
		client = &http.Client{Timeout: DefaultWebhookTimeout}
	}
	return &WebhookTransport{urls: urls, client: client}
}

// Name implements Transport.
func (t *WebhookTransport) Name() string { return "webhook" }

// Send implements Transport.
func (t *WebhookTransport) Send(ctx context.Context, out Outbound) (models.SendReceipt, error) {
	url := t.urls.forAction(out.Action)
	if url == "" {
		return models.SendReceipt{}, NewSendError(models.ErrorTypeValidation, fmt.Errorf("no webhook URL for %s", out.Action))
	}

	payload := webhookRequest{
		EmailID:   out.Message.To,
		Subject:   out.Message.Subject,
		Body:      out.Message.Body,
		EmailType: out.Action.EmailType(),
		LeadID:    out.LeadID,
	}
	if out.Action.IsFollowUp() {
		payload.GmailThreadID = out.ThreadID
		payload.MessageID = out.InReplyTo
		if out.ThreadID == "" {
			slog.Warn("WebhookTransport.Send: follow-up without thread id, a new thread will be started", "leadID", out.LeadID)
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return models.SendReceipt{}, fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return models.SendReceipt{}, NewSendError(models.ErrorTypeValidation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return models.SendReceipt{}, fmt.Errorf("webhook post for lead %s: %w", out.LeadID, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.SendReceipt{}, &SendError{
			Type:       ErrorTypeForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("webhook returned %s: %s", resp.Status, truncate(string(raw), 200)),
		}
	}

	var wr webhookResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		return models.SendReceipt{}, &SendError{Type: models.ErrorTypeAPIError, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("decode webhook response: %w", err)}
	}
	if wr.Success != nil && !*wr.Success {
		msg := wr.Error
		if msg == "" {
			msg = wr.Message
		}
		return models.SendReceipt{}, &SendError{Type: models.ErrorTypeAPIError, StatusCode: resp.StatusCode,
			Err: errors.New("workflow reported failure: " + msg)}
	}
	if wr.MessageID == "" {
		return models.SendReceipt{}, &SendError{Type: models.ErrorTypeAPIError, StatusCode: resp.StatusCode,
			Err: errors.New("webhook response missing message_id")}
	}

	thread := wr.GmailThreadID
	if thread == "" {
		thread = wr.ThreadID
	}
	slog.Debug("WebhookTransport.Send: delivered", "leadID", out.LeadID, "action", out.Action, "messageID", wr.MessageID, "threadID", thread)
	return models.SendReceipt{ProviderMessageID: wr.MessageID, ThreadID: thread}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
