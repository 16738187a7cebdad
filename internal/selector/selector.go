// Package selector picks the leads a batch run considers.
package selector

import (
	"context"
	"fmt"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
)

// Selector reads candidate leads from the lead repository.
type Selector struct {
	leads store.LeadRepo
}

// New creates a Selector.
func New(leads store.LeadRepo) *Selector {
	return &Selector{leads: leads}
}

// SelectEligible returns the leads inside window that have an email address
// and have not replied. email_processed is deliberately not consulted.
func (s *Selector) SelectEligible(ctx context.Context, window models.BatchWindow) ([]models.Lead, error) {
	eligible, _, err := s.SelectWindow(ctx, window)
	return eligible, err
}

// SelectWindow is SelectEligible that also reports how many leads the window
// held before filtering. A window with zero leads is past the end of the pool.
func (s *Selector) SelectWindow(ctx context.Context, window models.BatchWindow) ([]models.Lead, int, error) {
	if window.Size <= 0 {
		return nil, 0, nil
	}
	leads, err := s.leads.LeadWindow(ctx, window.Start(), window.Size)
	if err != nil {
		return nil, 0, fmt.Errorf("select window %d: %w", window.Offset, err)
	}
	n := len(leads)
	return filterEligible(leads), n, nil
}

// SelectDueFollowUps returns up to limit leads from anywhere in the pool with
// a follow-up due on or before today, skipping any lead already in exclude.
func (s *Selector) SelectDueFollowUps(ctx context.Context, today models.Date, limit int, exclude []models.Lead) ([]models.Lead, error) {
	if limit <= 0 {
		return nil, nil
	}
	due, err := s.leads.DueFollowUps(ctx, today, limit)
	if err != nil {
		return nil, fmt.Errorf("select due follow-ups for %s: %w", today, err)
	}
	seen := make(map[string]struct{}, len(exclude))
	for _, l := range exclude {
		seen[l.ID] = struct{}{}
	}
	var out []models.Lead
	for _, l := range filterEligible(due) {
		if _, ok := seen[l.ID]; ok {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func filterEligible(leads []models.Lead) []models.Lead {
	out := leads[:0]
	for _, l := range leads {
		if !l.HasEmail() || l.MailStatus == models.MailStatusReplied {
			continue
		}
		out = append(out, l)
	}
	return out
}
