package domain

import "time"

// Platform identifies an ad platform the uploader can deliver to.
type Platform string

const (
	PlatformGoogleAds    Platform = "google_ads"
	PlatformMicrosoftAds Platform = "microsoft_ads"
)

// Platforms lists every platform in fan-out order.
var Platforms = []Platform{PlatformGoogleAds, PlatformMicrosoftAds}

// EventType classifies a warehouse conversion event.
type EventType string

const (
	EventTrialStart          EventType = "trial_start"
	EventMonthlySubscription EventType = "monthly_subscription"
	EventYearlySubscription  EventType = "yearly_subscription"
	EventDocumentPurchase    EventType = "document_purchase"
	EventChatPurchase        EventType = "chat_purchase"
	EventRefund              EventType = "refund"
)

// Event is a read-only snapshot of a warehouse conversion row, joined with
// the user's click attribution (direct conversion click id first, first-touch
// fallback already applied by the source query) and optional PII used only
// for enhanced conversions. PII fields are hashed before they reach any
// platform adapter and are never written to the delivery log.
type Event struct {
	EventID         string
	EventType       EventType
	UserID          string
	ConversionTime  time.Time
	ConversionValue float64
	GCLID           string
	MSCLKID         string
	Email           string
	FirstName       string
	LastName        string
	City            string
	State           string
	Country         string
	ZipCode         string
}

// ClickID returns the click identifier for the given platform, empty if the
// event is not attributed to that platform.
func (e *Event) ClickID(p Platform) string {
	switch p {
	case PlatformGoogleAds:
		return e.GCLID
	case PlatformMicrosoftAds:
		return e.MSCLKID
	}
	return ""
}
