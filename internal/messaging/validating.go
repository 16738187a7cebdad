package messaging

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/badoux/checkmail"
)

// ValidatingTransport rejects malformed recipient addresses with a VALIDATION
// error before the wrapped transport makes any network call. With checkHost
// it also requires the domain to accept mail.
type ValidatingTransport struct {
	next      Transport
	checkHost bool
	validate  func(string) error
	host      func(string) error
}

// NewValidatingTransport wraps next.
func NewValidatingTransport(next Transport, checkHost bool) *ValidatingTransport {
	return &ValidatingTransport{
		next:      next,
		checkHost: checkHost,
		validate:  checkmail.ValidateFormat,
		host:      checkmail.ValidateHost,
	}
}

// Name implements Transport.
func (t *ValidatingTransport) Name() string { return t.next.Name() }

// Send implements Transport.
func (t *ValidatingTransport) Send(ctx context.Context, out Outbound) (models.SendReceipt, error) {
	to := strings.TrimSpace(out.Message.To)
	if to == "" {
		return models.SendReceipt{}, NewSendError(models.ErrorTypeValidation, fmt.Errorf("empty recipient"))
	}
	if err := t.validate(to); err != nil {
		return models.SendReceipt{}, NewSendError(models.ErrorTypeValidation, fmt.Errorf("recipient %q: %w", to, err))
	}
	if t.checkHost {
		if err := t.host(to); err != nil {
			return models.SendReceipt{}, NewSendError(models.ErrorTypeValidation, fmt.Errorf("recipient host %q: %w", to, err))
		}
	}
	out.Message.To = to
	return t.next.Send(ctx, out)
}
