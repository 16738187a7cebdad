package scheduler

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
	_ "time/tzdata"
)

// BusinessHours is a weekly sending window: [StartHour, EndHour) on Days,
// in Location.
type BusinessHours struct {
	Location  *time.Location
	StartHour int
	EndHour   int
	Days      []time.Weekday
}

// DefaultBusinessHours returns 09:00-18:00, Monday to Friday, in loc.
func DefaultBusinessHours(loc *time.Location) BusinessHours {
	return BusinessHours{
		Location:  loc,
		StartHour: 9,
		EndHour:   18,
		Days:      []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	}
}

// Validate checks the hour range and day list.
func (b BusinessHours) Validate() error {
	if b.StartHour < 0 || b.EndHour > 24 || b.StartHour >= b.EndHour {
		return fmt.Errorf("invalid business hours %d-%d", b.StartHour, b.EndHour)
	}
	if len(b.Days) == 0 {
		return fmt.Errorf("business hours need at least one day")
	}
	return nil
}

// Contains reports whether t falls inside the window.
func (b BusinessHours) Contains(t time.Time) bool {
	loc := b.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	if h := local.Hour(); h < b.StartHour || h >= b.EndHour {
		return false
	}
	for _, d := range b.Days {
		if local.Weekday() == d {
			return true
		}
	}
	return false
}

// In returns the same window evaluated in another location.
func (b BusinessHours) In(loc *time.Location) BusinessHours {
	b.Location = loc
	return b
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseDays parses a comma-separated list of weekday names ("mon,tue,...").
// Full names are accepted too.
func ParseDays(s string) ([]time.Weekday, error) {
	var days []time.Weekday
	seen := map[time.Weekday]bool{}
	for _, part := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		if len(name) > 3 {
			name = name[:3]
		}
		d, ok := weekdayNames[name]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", part)
		}
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("no weekdays in %q", s)
	}
	return days, nil
}

var countryZones = map[string]string{
	"united states":        "America/New_York",
	"usa":                  "America/New_York",
	"us":                   "America/New_York",
	"india":                "Asia/Kolkata",
	"united kingdom":       "Europe/London",
	"uk":                   "Europe/London",
	"canada":               "America/Toronto",
	"australia":            "Australia/Sydney",
	"germany":              "Europe/Berlin",
	"france":               "Europe/Paris",
	"japan":                "Asia/Tokyo",
	"china":                "Asia/Shanghai",
	"brazil":               "America/Sao_Paulo",
	"mexico":               "America/Mexico_City",
	"spain":                "Europe/Madrid",
	"italy":                "Europe/Rome",
	"netherlands":          "Europe/Amsterdam",
	"belgium":              "Europe/Brussels",
	"switzerland":          "Europe/Zurich",
	"sweden":               "Europe/Stockholm",
	"norway":               "Europe/Oslo",
	"denmark":              "Europe/Copenhagen",
	"poland":               "Europe/Warsaw",
	"south korea":          "Asia/Seoul",
	"singapore":            "Asia/Singapore",
	"hong kong":            "Asia/Hong_Kong",
	"thailand":             "Asia/Bangkok",
	"indonesia":            "Asia/Jakarta",
	"malaysia":             "Asia/Kuala_Lumpur",
	"philippines":          "Asia/Manila",
	"vietnam":              "Asia/Ho_Chi_Minh",
	"new zealand":          "Pacific/Auckland",
	"south africa":         "Africa/Johannesburg",
	"uae":                  "Asia/Dubai",
	"united arab emirates": "Asia/Dubai",
	"saudi arabia":         "Asia/Riyadh",
	"israel":               "Asia/Jerusalem",
	"turkey":               "Europe/Istanbul",
	"argentina":            "America/Argentina/Buenos_Aires",
	"chile":                "America/Santiago",
	"colombia":             "America/Bogota",
}

// LocationForCountry returns the primary time zone of a country name.
// Unknown or empty countries map to UTC.
func LocationForCountry(country string) *time.Location {
	name, ok := countryZones[strings.ToLower(strings.TrimSpace(country))]
	if !ok {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		slog.Warn("LocationForCountry: failed to load zone", "country", country, "zone", name, "error", err)
		return time.UTC
	}
	return loc
}
