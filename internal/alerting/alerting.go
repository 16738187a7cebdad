// Package alerting notifies operators about quarantined deliveries and failed
// batch runs over SMS (Twilio) and Sentry.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/dlq"
	"github.com/BTreeMap/OutreachPipe/internal/engine"
	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// Severity orders alerts.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

// Alert is one operator notification.
type Alert struct {
	Severity Severity
	Title    string
	Message  string
	Tags     map[string]string
	Err      error
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Multi fans an alert out to every notifier.
type Multi []Notifier

// Notify implements Notifier. All notifiers are tried.
func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DefaultNotifyTimeout bounds a single asynchronous notification.
const DefaultNotifyTimeout = 15 * time.Second

// Watcher turns DLQ and batch-run notifications into alerts. Alerts are sent
// asynchronously so the observed code path never waits on a notifier.
type Watcher struct {
	notifier Notifier
	timeout  time.Duration
	wg       sync.WaitGroup
}

var (
	_ dlq.Observer       = (*Watcher)(nil)
	_ engine.RunObserver = (*Watcher)(nil)
)

// NewWatcher creates a Watcher for n.
func NewWatcher(n Notifier) *Watcher {
	return &Watcher{notifier: n, timeout: DefaultNotifyTimeout}
}

// FailureEnqueued implements dlq.Observer. New failures are retried, not alerted.
func (w *Watcher) FailureEnqueued(*models.FailedEmail) {}

// RecordResolved implements dlq.Observer.
func (w *Watcher) RecordResolved(*models.FailedEmail) {}

// RecordQuarantined implements dlq.Observer.
func (w *Watcher) RecordQuarantined(rec *models.FailedEmail) {
	w.send(Alert{
		Severity: SeverityCritical,
		Title:    "Outreach email quarantined",
		Message: fmt.Sprintf("%s to %s failed %d time(s) with %s: %s",
			rec.Action, rec.EmailTo, rec.AttemptCount, rec.ErrorType, rec.ErrorMessage),
		Tags: map[string]string{
			"lead_id":    rec.LeadID,
			"action":     string(rec.Action),
			"error_type": string(rec.ErrorType),
		},
		Err: errors.New(rec.ErrorMessage),
	})
}

// RunFinished implements engine.RunObserver. Only failed runs are alerted.
func (w *Watcher) RunFinished(run *models.BatchRun) {
	if run.Status != models.RunStatusFailed {
		return
	}
	w.send(Alert{
		Severity: SeverityCritical,
		Title:    "Outreach batch run failed",
		Message: fmt.Sprintf("run %s (%s, %s) failed after %d of %d leads: %s",
			run.ID, run.Trigger, run.Date, run.Processed, run.Total, run.Error),
		Tags: map[string]string{
			"run_id":  run.ID,
			"trigger": string(run.Trigger),
		},
		Err: errors.New(run.Error),
	})
}

func (w *Watcher) send(a Alert) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		if err := w.notifier.Notify(ctx, a); err != nil {
			slog.Error("Watcher.send: alert delivery failed", "title", a.Title, "error", err)
		}
	}()
}

// Wait blocks until in-flight alerts are delivered.
func (w *Watcher) Wait() {
	w.wg.Wait()
}

// MockNotifier records alerts for tests.
type MockNotifier struct {
	mu     sync.Mutex
	Alerts []Alert
	Err    error
}

// Notify implements Notifier.
func (m *MockNotifier) Notify(ctx context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Alerts = append(m.Alerts, a)
	return m.Err
}

// Received returns a copy of the recorded alerts.
func (m *MockNotifier) Received() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.Alerts...)
}

// LogNotifier writes alerts to the log.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(ctx context.Context, a Alert) error {
	slog.Warn("Alert: "+a.Title, "severity", a.Severity.String(), "message", a.Message)
	return nil
}
