package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler(nil)
	defer s.Stop(context.Background())

	// Should add a valid cron job without error
	if err := s.AddJob("daily-batch", "0 9-17 * * 1-5", func(context.Context) {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("bad", "not a cron", func(context.Context) {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
	if s.Entries() != 1 {
		t.Errorf("Expected 1 entry, got %d", s.Entries())
	}
}

func TestSchedulerStopCancelsJobs(t *testing.T) {
	s := NewScheduler(time.UTC)
	started := make(chan struct{})
	stopped := make(chan struct{})
	if err := s.AddJob("blocking", "* * * * *", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(stopped)
	}); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	// Run the job directly rather than waiting for the next minute.
	go s.cron.Entries()[0].WrappedJob.Run()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("job context was not cancelled on Stop")
	}
}

func TestBusinessHoursContains(t *testing.T) {
	bh := DefaultBusinessHours(time.UTC)
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"monday 10:00", time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC), true},
		{"monday 09:00 start inclusive", time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC), true},
		{"monday 08:59", time.Date(2025, 3, 3, 8, 59, 0, 0, time.UTC), false},
		{"monday 18:00 end exclusive", time.Date(2025, 3, 3, 18, 0, 0, 0, time.UTC), false},
		{"saturday noon", time.Date(2025, 3, 8, 12, 0, 0, 0, time.UTC), false},
		{"sunday noon", time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := bh.Contains(tt.at); got != tt.want {
				t.Errorf("Contains(%v) = %t, want %t", tt.at, got, tt.want)
			}
		})
	}
}

func TestBusinessHoursInLeadZone(t *testing.T) {
	bh := DefaultBusinessHours(time.UTC)
	// 10:00 UTC on a Monday is 15:30 in India and 05:00 in New York.
	at := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	if !bh.In(LocationForCountry("India")).Contains(at) {
		t.Error("expected business hours in India")
	}
	if bh.In(LocationForCountry("United States")).Contains(at) {
		t.Error("expected outside business hours in New York")
	}
	if !bh.In(LocationForCountry("Atlantis")).Contains(at) {
		t.Error("unknown country should use UTC")
	}
}

func TestParseDays(t *testing.T) {
	days, err := ParseDays("mon, Tuesday,wed,mon")
	if err != nil {
		t.Fatalf("ParseDays failed: %v", err)
	}
	want := []time.Weekday{time.Monday, time.Tuesday, time.Wednesday}
	if len(days) != len(want) {
		t.Fatalf("got %v, want %v", days, want)
	}
	for i := range want {
		if days[i] != want[i] {
			t.Errorf("day %d = %v, want %v", i, days[i], want[i])
		}
	}
	for _, bad := range []string{"", "funday", " , "} {
		if _, err := ParseDays(bad); err == nil {
			t.Errorf("ParseDays(%q) should fail", bad)
		}
	}
}

func TestBusinessHoursValidate(t *testing.T) {
	if err := DefaultBusinessHours(time.UTC).Validate(); err != nil {
		t.Errorf("default hours invalid: %v", err)
	}
	if err := (BusinessHours{StartHour: 18, EndHour: 9, Days: []time.Weekday{time.Monday}}).Validate(); err == nil {
		t.Error("inverted range should be invalid")
	}
	if err := (BusinessHours{StartHour: 9, EndHour: 18}).Validate(); err == nil {
		t.Error("empty days should be invalid")
	}
}

func TestLocationForCountry(t *testing.T) {
	tests := map[string]string{
		"US":      "America/New_York",
		" india ": "Asia/Kolkata",
		"UK":      "Europe/London",
		"Germany": "Europe/Berlin",
		"":        "UTC",
		"Narnia":  "UTC",
	}
	for country, want := range tests {
		if got := LocationForCountry(country).String(); got != want {
			t.Errorf("LocationForCountry(%q) = %s, want %s", country, got, want)
		}
	}
}
