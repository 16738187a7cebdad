package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"unicode/utf8"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// maxSMSLength keeps alerts within a few SMS segments.
const maxSMSLength = 480

// messageCreator is the part of the Twilio REST API the notifier uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioOpts holds configuration for the Twilio SMS notifier.
type TwilioOpts struct {
	AccountSID  string
	AuthToken   string
	FromNumber  string
	To          string
	MinSeverity Severity
}

// TwilioOption configures the Twilio SMS notifier.
type TwilioOption func(*TwilioOpts)

func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// WithOperatorPhone sets the number alerts are texted to.
func WithOperatorPhone(to string) TwilioOption {
	return func(o *TwilioOpts) { o.To = to }
}

// WithMinSeverity drops alerts below s. The default is SeverityCritical.
func WithMinSeverity(s Severity) TwilioOption {
	return func(o *TwilioOpts) { o.MinSeverity = s }
}

// TwilioNotifier texts alerts to the operator phone.
type TwilioNotifier struct {
	api         messageCreator
	from        string
	to          string
	minSeverity Severity
}

// NewTwilioNotifier creates a notifier. Unset credentials fall back to the
// TWILIO_* and OPERATOR_PHONE environment variables.
func NewTwilioNotifier(opts ...TwilioOption) (*TwilioNotifier, error) {
	cfg := TwilioOpts{MinSeverity: SeverityCritical}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.To == "" {
		cfg.To = os.Getenv("OPERATOR_PHONE")
	}
	slog.Debug("Twilio notifier config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "",
		"To_set", cfg.To != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" || cfg.To == "" {
		return nil, fmt.Errorf("from number and operator phone must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioNotifier{
		api:         client.Api,
		from:        cfg.FromNumber,
		to:          cfg.To,
		minSeverity: cfg.MinSeverity,
	}, nil
}

// Notify implements Notifier.
func (n *TwilioNotifier) Notify(ctx context.Context, a Alert) error {
	if a.Severity < n.minSeverity {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(n.to)
	params.SetFrom(n.from)
	params.SetBody(smsBody(a))

	msg, err := n.api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("failed to send alert SMS: %w", err)
	}
	sid := ""
	if msg != nil && msg.Sid != nil {
		sid = *msg.Sid
	}
	slog.Debug("TwilioNotifier.Notify: alert sent", "title", a.Title, "sid", sid)
	return nil
}

func smsBody(a Alert) string {
	body := fmt.Sprintf("[%s] %s: %s", a.Severity, a.Title, a.Message)
	if len(body) <= maxSMSLength {
		return body
	}
	cut := maxSMSLength - 3
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut] + "..."
}
