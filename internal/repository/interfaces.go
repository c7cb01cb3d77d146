package repository

import (
	"context"
	"time"

	"github.com/maximilianredt/eforms-conversion-uploader/internal/domain"
)

// AttemptKey identifies one (event, platform) delivery stream in the log.
type AttemptKey struct {
	EventID  string
	Platform domain.Platform
}

// DeliveryState is a point-in-time snapshot of the delivery log for a set of
// event types, used by the selector's dedup predicate.
type DeliveryState struct {
	// Sent holds every (event, platform) that already has a `sent` entry.
	Sent map[AttemptKey]bool
	// FailedCounts counts `failed` entries per (event, platform).
	FailedCounts map[AttemptKey]int
}

// NewDeliveryState returns an empty snapshot.
func NewDeliveryState() *DeliveryState {
	return &DeliveryState{
		Sent:         make(map[AttemptKey]bool),
		FailedCounts: make(map[AttemptKey]int),
	}
}

// RetractionState is a snapshot of prior refund handling: which refunds have
// already been delivered (sent or retracted) per platform, and how many
// retraction attempts have failed.
type RetractionState struct {
	Delivered    map[AttemptKey]bool
	FailedCounts map[AttemptKey]int
}

// NewRetractionState returns an empty snapshot.
func NewRetractionState() *RetractionState {
	return &RetractionState{
		Delivered:    make(map[AttemptKey]bool),
		FailedCounts: make(map[AttemptKey]int),
	}
}

// DeliveryLog is the append-only record of every submission attempt. It is
// the sole source of truth for dedup and retry counting.
type DeliveryLog interface {
	// InitSchema creates the log table if it doesn't exist. An error here
	// puts the run in degraded mode (dedup disabled, refunds skipped).
	InitSchema(ctx context.Context) error

	// InsertEntries appends attempt outcomes. Entries are never updated or
	// deleted afterwards.
	InsertEntries(ctx context.Context, entries []*domain.LogEntry) (int, error)

	// DeliveryState snapshots sent/failed state for the given event types.
	DeliveryState(ctx context.Context, eventTypes []domain.EventType) (*DeliveryState, error)

	// SentConversions returns non-refund log entries with status `sent` and
	// a conversion time on or after since, for refund-to-original matching.
	SentConversions(ctx context.Context, since time.Time) ([]*domain.LogEntry, error)

	// RetractionState snapshots prior refund delivery state.
	RetractionState(ctx context.Context) (*RetractionState, error)

	// Ping checks if the underlying store is reachable.
	Ping(ctx context.Context) error

	// Close closes the log and releases resources.
	Close() error
}

// EventSource is the read-only warehouse query capability. Category filters
// (payment status, plan codes, attribution fallback) live behind these
// methods; eligibility against the delivery log is the selector's concern.
type EventSource interface {
	// TrialStarts returns trial start candidates inside the lookback window
	// that carry at least one platform click id.
	TrialStarts(ctx context.Context, since time.Time) ([]*domain.Event, error)

	// SubscriptionPayments returns completed, positive-amount subscription
	// payments; renewals are included only when includeRenewals is set.
	SubscriptionPayments(ctx context.Context, since time.Time, includeRenewals bool) ([]*domain.Event, error)

	// DocumentPurchases returns completed one-off order payments excluding
	// the chat plan code.
	DocumentPurchases(ctx context.Context, since time.Time) ([]*domain.Event, error)

	// ChatPurchases returns completed one-off order payments for the chat
	// plan code.
	ChatPurchases(ctx context.Context, since time.Time) ([]*domain.Event, error)

	// RefundPayments returns negative-amount refund payments inside the
	// lookback window. These carry no click ids; the refund matcher binds
	// them to prior deliveries via the log.
	RefundPayments(ctx context.Context, since time.Time) ([]*domain.Event, error)
}
