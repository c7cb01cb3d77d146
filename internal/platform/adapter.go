// Package platform defines the uniform contract every ad platform adapter
// implements, and the shared plumbing (batching, outcome shapes, run-scoped
// action cache) both dialects use.
package platform

import (
	"context"
	"errors"
	"time"

	"github.com/maximilianredt/eforms-conversion-uploader/internal/domain"
)

// ErrActionNotFound is returned when a platform account has no conversion
// action/goal matching a configured name. It aborts only the items using
// that action, never the whole run.
var ErrActionNotFound = errors.New("conversion action not found")

// Conversion is the uniform internal representation of one conversion to
// report. PII arrives here already normalized and hashed; adapters never see
// plaintext identifiers.
type Conversion struct {
	EventID         string
	EventType       domain.EventType
	ClickID         string
	ConversionTime  time.Time
	Value           float64
	CurrencyCode    string
	HashedEmail     string
	HashedFirstName string
	HashedLastName  string
	City            string
	State           string
	CountryCode     string
	PostalCode      string
}

// Outcome is the per-event result of a platform call.
type Outcome struct {
	EventID   string
	Delivered bool
	Message   string
}

// Delivered marks an event as accepted by the platform.
func Delivered(eventID string) Outcome {
	return Outcome{EventID: eventID, Delivered: true, Message: "OK"}
}

// Rejected marks an event as refused, with the platform's reason.
func Rejected(eventID, message string) Outcome {
	return Outcome{EventID: eventID, Delivered: false, Message: message}
}

// Adapter is one platform's upload/retract capability. Implementations
// normalize total batch rejections, partial failures and unknown response
// shapes into per-event outcomes; exactly one outcome is produced per input
// item. An error return means no outcome set could be obtained at all
// (client acquisition, context cancellation) and fails the category.
type Adapter interface {
	Name() domain.Platform
	Upload(ctx context.Context, conversions []*Conversion) ([]Outcome, error)
	Retract(ctx context.Context, retractions []*domain.Retraction) ([]Outcome, error)
}

// Chunk splits items into consecutive slices of at most size elements,
// preserving order. The positional mapping of partial-failure responses
// depends on that order being stable.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for size < len(items) {
		chunks = append(chunks, items[:size])
		items = items[size:]
	}
	return append(chunks, items)
}
