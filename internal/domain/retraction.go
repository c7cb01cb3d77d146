package domain

import "time"

// Retraction is a compensating request telling a platform that a previously
// reported conversion should be reversed. It references the original
// submission (event id, conversion action, time, click id) rather than
// standing alone as a new conversion.
type Retraction struct {
	EventID                string // refund payment id
	OriginalEventID        string
	Platform               Platform
	ClickID                string
	OriginalAction         string
	OriginalConversionTime time.Time
	RefundTime             time.Time
	// Value is the (negative) refunded amount, recorded in the log entry;
	// the retraction sent to the platform always carries value zero.
	Value  float64
	UserID string
}
