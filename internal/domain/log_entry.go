package domain

import "time"

// Status is the terminal state of a single delivery attempt.
type Status string

const (
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusRetracted Status = "retracted"
)

const (
	maxAPIResponseLen  = 1000
	maxErrorMessageLen = 2000
)

// LogEntry is one immutable row of the ad_conversion_log table. Entries are
// appended once per attempt and never updated; for a given
// (event_id, platform) at most one entry ever carries StatusSent.
type LogEntry struct {
	EventID          string
	EventType        EventType
	Platform         Platform
	ClickID          string
	ConversionTime   time.Time
	ConversionValue  float64
	ConversionAction string
	CurrencyCode     string
	Status           Status
	APIResponse      string
	ErrorMessage     string
	OriginalEventID  string
	UserID           string
	RunID            string
	SentAt           time.Time
}

// Truncate bounds the free-text response fields so oversized platform
// payloads cannot blow up log rows.
func (e *LogEntry) Truncate() {
	e.APIResponse = truncate(e.APIResponse, maxAPIResponseLen)
	e.ErrorMessage = truncate(e.ErrorMessage, maxErrorMessageLen)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
