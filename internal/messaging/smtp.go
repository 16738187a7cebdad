package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// SMTPConfig holds the SMTP relay settings.
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

// sender abstracts gomail's dialer for tests.
type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPTransport sends plain-text email through an SMTP relay.
type SMTPTransport struct {
	cfg    SMTPConfig
	dialer sender
}

// NewSMTPTransport creates an SMTP transport.
func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	return &SMTPTransport{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

// Name implements Transport.
func (t *SMTPTransport) Name() string { return "smtp" }

// Send implements Transport. gomail has no context support, so the dial runs
// in a goroutine and a cancelled ctx reports the send as failed.
func (t *SMTPTransport) Send(ctx context.Context, out Outbound) (models.SendReceipt, error) {
	m, messageID := t.buildMessage(out)

	done := make(chan error, 1)
	go func() {
		done <- t.dialer.DialAndSend(m)
	}()

	select {
	case <-ctx.Done():
		slog.Warn("SMTPTransport.Send: context done before relay answered", "leadID", out.LeadID, "error", ctx.Err())
		return models.SendReceipt{}, NewSendError(models.ErrorTypeTimeout, ctx.Err())
	case err := <-done:
		if err != nil {
			return models.SendReceipt{}, fmt.Errorf("smtp send to %s: %w", out.Message.To, err)
		}
	}

	thread := out.ThreadID
	if thread == "" {
		thread = messageID
	}
	slog.Debug("SMTPTransport.Send: delivered", "leadID", out.LeadID, "action", out.Action, "messageID", messageID)
	return models.SendReceipt{ProviderMessageID: messageID, ThreadID: thread}, nil
}

func (t *SMTPTransport) buildMessage(out Outbound) (*gomail.Message, string) {
	domain := "localhost"
	if i := strings.LastIndex(t.cfg.FromEmail, "@"); i >= 0 {
		domain = t.cfg.FromEmail[i+1:]
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", t.cfg.FromEmail, t.cfg.FromName)
	m.SetHeader("To", out.Message.To)
	m.SetHeader("Subject", out.Message.Subject)
	m.SetHeader("Message-ID", messageID)
	if out.InReplyTo != "" {
		m.SetHeader("In-Reply-To", out.InReplyTo)
		m.SetHeader("References", out.InReplyTo)
	}
	m.SetBody("text/plain", out.Message.Body)
	return m, messageID
}
