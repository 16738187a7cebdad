package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/google/uuid"
)

// MockTransport records sends and returns scripted results. Safe for
// concurrent use.
type MockTransport struct {
	mu    sync.Mutex
	sent  []Outbound
	errs  map[string][]error
	block chan struct{}
	// Err, when set, is returned for every send without a scripted error.
	Err error
}

// NewMockTransport creates a MockTransport that accepts everything.
func NewMockTransport() *MockTransport {
	return &MockTransport{errs: make(map[string][]error)}
}

// Name implements Transport.
func (m *MockTransport) Name() string { return "mock" }

// FailNext queues errors returned, in order, for sends to the given address.
func (m *MockTransport) FailNext(to string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[to] = append(m.errs[to], errs...)
}

// BlockUntil makes every send wait for ch to close or ctx to end.
func (m *MockTransport) BlockUntil(ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = ch
}

// Send implements Transport.
func (m *MockTransport) Send(ctx context.Context, out Outbound) (models.SendReceipt, error) {
	m.mu.Lock()
	block := m.block
	m.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return models.SendReceipt{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if q := m.errs[out.Message.To]; len(q) > 0 {
		err := q[0]
		m.errs[out.Message.To] = q[1:]
		if err != nil {
			return models.SendReceipt{}, err
		}
	} else if m.Err != nil {
		return models.SendReceipt{}, m.Err
	}
	m.sent = append(m.sent, out)
	id := fmt.Sprintf("<mock-%d@outreach.test>", len(m.sent))
	thread := out.ThreadID
	if thread == "" {
		thread = fmt.Sprintf("thread-%d", len(m.sent))
	}
	return models.SendReceipt{ProviderMessageID: id, ThreadID: thread}, nil
}

// Sent returns a copy of all successful sends.
func (m *MockTransport) Sent() []Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Outbound(nil), m.sent...)
}

// SentTo returns successful sends to one address.
func (m *MockTransport) SentTo(to string) []Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Outbound
	for _, o := range m.sent {
		if o.Message.To == to {
			out = append(out, o)
		}
	}
	return out
}

// LogTransport only logs messages. It is the dry-run transport and keeps
// nothing in memory.
type LogTransport struct{}

// NewLogTransport creates a LogTransport.
func NewLogTransport() *LogTransport {
	return &LogTransport{}
}

// Name implements Transport.
func (t *LogTransport) Name() string { return "log" }

// Send implements Transport.
func (t *LogTransport) Send(ctx context.Context, out Outbound) (models.SendReceipt, error) {
	if err := ctx.Err(); err != nil {
		return models.SendReceipt{}, err
	}
	messageID := fmt.Sprintf("<%s@outreach.log>", uuid.NewString())
	thread := out.ThreadID
	if thread == "" {
		thread = messageID
	}
	slog.Info("LogTransport.Send", "leadID", out.LeadID, "action", out.Action, "to", out.Message.To,
		"subject", out.Message.Subject, "inReplyTo", out.InReplyTo, "messageID", messageID)
	return models.SendReceipt{ProviderMessageID: messageID, ThreadID: thread}, nil
}
