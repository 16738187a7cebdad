// Package messaging delivers rendered outreach emails and classifies delivery
// failures for the dead-letter queue.
package messaging

import (
	"context"
	"errors"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// ErrTransportStopped is returned when sending through a closed transport.
var ErrTransportStopped = errors.New("transport is stopped")

// Outbound is one message ready for delivery.
type Outbound struct {
	LeadID  string
	Action  models.Action
	Message models.RenderedMessage
	// InReplyTo and ThreadID reference the initial send so follow-ups stay in
	// the same thread. Both are empty for initial sends.
	InReplyTo string
	ThreadID  string
}

// Transport is a pluggable email delivery backend. A nil error means the
// provider accepted the message; any error is a failed send.
type Transport interface {
	// Send delivers msg. Implementations must honour ctx cancellation.
	Send(ctx context.Context, msg Outbound) (models.SendReceipt, error)

	// Name identifies the transport in logs and metrics.
	Name() string
}

// OutboundFor builds the Outbound for a lead, attaching threading references
// for follow-ups.
func OutboundFor(lead *models.Lead, action models.Action, msg models.RenderedMessage) Outbound {
	out := Outbound{LeadID: lead.ID, Action: action, Message: msg}
	if action.IsFollowUp() {
		out.InReplyTo = lead.ProviderMessageID
		out.ThreadID = lead.CorrelationID
	}
	return out
}
