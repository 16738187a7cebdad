package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryNotifier reports alerts to Sentry on its own hub.
type SentryNotifier struct {
	hub *sentry.Hub
}

// NewSentryNotifier creates a notifier for dsn.
func NewSentryNotifier(dsn, environment string) (*SentryNotifier, error) {
	return newSentryNotifier(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
}

func newSentryNotifier(opts sentry.ClientOptions) (*SentryNotifier, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("sentry init: %w", err)
	}
	return &SentryNotifier{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Notify implements Notifier. Alerts with an error are captured as
// exceptions, others as messages.
func (n *SentryNotifier) Notify(ctx context.Context, a Alert) error {
	n.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentryLevel(a.Severity))
		for k, v := range a.Tags {
			scope.SetTag(k, v)
		}
		scope.SetExtra("message", a.Message)
		if a.Err != nil {
			scope.SetTag("title", a.Title)
			n.hub.CaptureException(a.Err)
			return
		}
		n.hub.CaptureMessage(a.Title + ": " + a.Message)
	})
	return nil
}

// Flush waits for buffered events to be sent.
func (n *SentryNotifier) Flush(timeout time.Duration) bool {
	return n.hub.Flush(timeout)
}

func sentryLevel(s Severity) sentry.Level {
	switch s {
	case SeverityCritical:
		return sentry.LevelError
	case SeverityWarning:
		return sentry.LevelWarning
	default:
		return sentry.LevelInfo
	}
}
