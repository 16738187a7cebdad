// Package recovery restores a consistent state at startup after an unclean
// shutdown: claims, in-flight retries, outbox messages and batch runs that a
// crashed process left behind.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/util"
)

// Recoverable is a component that can repair its own persisted state.
type Recoverable interface {
	// Name identifies the component in logs and reports.
	Name() string
	// Recover repairs state left behind before now and returns the number of
	// records it touched.
	Recover(ctx context.Context, now time.Time) (int, error)
}

// Report summarizes one recovery pass.
type Report struct {
	Recovered map[string]int `json:"recovered"`
	Errors    int            `json:"errors"`
}

// Manager orchestrates recovery of all registered components.
type Manager struct {
	clock        util.Clock
	recoverables []Recoverable
}

// NewManager creates a new recovery manager.
func NewManager(clock util.Clock) *Manager {
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &Manager{clock: clock}
}

// Register adds a component to recover.
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll runs every component. A failing component does not stop the
// others; the returned error counts failures.
func (m *Manager) RecoverAll(ctx context.Context) (Report, error) {
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.recoverables))

	now := m.clock.Now()
	report := Report{Recovered: make(map[string]int, len(m.recoverables))}
	for _, r := range m.recoverables {
		n, err := r.Recover(ctx, now)
		if err != nil {
			slog.Error("Manager.RecoverAll: component recovery failed", "component", r.Name(), "error", err)
			report.Errors++
			continue
		}
		report.Recovered[r.Name()] = n
		if n > 0 {
			slog.Info("Manager.RecoverAll: recovered records", "component", r.Name(), "count", n)
		}
	}

	slog.Info("Manager.RecoverAll: recovery completed", "components", len(m.recoverables), "errors", report.Errors)
	if report.Errors > 0 {
		return report, fmt.Errorf("recovery completed with %d errors out of %d components", report.Errors, len(m.recoverables))
	}
	return report, nil
}
