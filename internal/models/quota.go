package models

import "time"

// DefaultDailyLimit is the number of emails the engine may send per day.
const DefaultDailyLimit = 400

// DailyQuota is the per-date progress record. There is at most one per date.
type DailyQuota struct {
	Date           Date      `json:"date"`
	BatchOffset    int       `json:"batch_offset"`
	LeadsProcessed int       `json:"leads_processed"`
	EmailsSent     int       `json:"emails_sent"`
	QuotaLimit     int       `json:"quota_limit"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Remaining returns how many more emails may be sent on this date.
func (q DailyQuota) Remaining() int {
	if q.QuotaLimit <= 0 {
		return 0
	}
	if r := q.QuotaLimit - q.EmailsSent; r > 0 {
		return r
	}
	return 0
}

// BatchWindow is the half-open slice [Offset*Size, (Offset+1)*Size) of the
// creation-ordered lead pool.
type BatchWindow struct {
	Date   Date `json:"date"`
	Offset int  `json:"offset"`
	Size   int  `json:"size"`
}

// Start returns the index of the first lead in the window.
func (w BatchWindow) Start() int {
	return w.Offset * w.Size
}

// End returns the index one past the last lead in the window.
func (w BatchWindow) End() int {
	return (w.Offset + 1) * w.Size
}
