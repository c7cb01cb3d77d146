// Package selector decides which warehouse events are still eligible for
// submission to which platform, given a snapshot of the delivery log. The
// eligibility predicate is pure so it can be tested without a warehouse.
package selector

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/maximilianredt/eforms-conversion-uploader/internal/domain"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/repository"
)

// Category is one selectable event category processed per pass.
type Category string

const (
	CategoryTrialStarts       Category = "trial_starts"
	CategorySubscriptions     Category = "subscriptions"
	CategoryDocumentPurchases Category = "document_purchases"
	CategoryChatPurchases     Category = "chat_purchases"
)

// Categories lists the non-refund categories in processing order.
var Categories = []Category{
	CategoryTrialStarts,
	CategorySubscriptions,
	CategoryDocumentPurchases,
	CategoryChatPurchases,
}

// EventTypes returns the event types a category's log entries are filed
// under, used to scope the delivery-state snapshot.
func (c Category) EventTypes() []domain.EventType {
	switch c {
	case CategoryTrialStarts:
		return []domain.EventType{domain.EventTrialStart}
	case CategorySubscriptions:
		return []domain.EventType{domain.EventMonthlySubscription, domain.EventYearlySubscription}
	case CategoryDocumentPurchases:
		return []domain.EventType{domain.EventDocumentPurchase}
	case CategoryChatPurchases:
		return []domain.EventType{domain.EventChatPurchase}
	}
	return nil
}

// Config holds the selection parameters for one run.
type Config struct {
	LookbackDays    int
	RetryCeiling    int
	IncludeRenewals bool
	// DedupDisabled puts the selector in degraded mode: the delivery log is
	// not consulted and every click-id-bearing candidate is eligible.
	DedupDisabled bool
}

// Selector produces the per-platform sets of events still eligible for
// submission.
type Selector struct {
	source repository.EventSource
	dlog   repository.DeliveryLog
	config Config
	log    *zap.Logger
}

// New creates a selector over the given source and delivery log.
func New(source repository.EventSource, dlog repository.DeliveryLog, config Config, log *zap.Logger) *Selector {
	return &Selector{
		source: source,
		dlog:   dlog,
		config: config,
		log:    log,
	}
}

// Selection is the per-platform fan-out of eligible events. An event with
// click ids for both platforms appears in both lists.
type Selection struct {
	GoogleAds    []*domain.Event
	MicrosoftAds []*domain.Event
}

// Total returns the number of distinct eligible events.
func (s *Selection) Total() int {
	seen := make(map[string]bool, len(s.GoogleAds)+len(s.MicrosoftAds))
	for _, e := range s.GoogleAds {
		seen[e.EventID] = true
	}
	for _, e := range s.MicrosoftAds {
		seen[e.EventID] = true
	}
	return len(seen)
}

// ForPlatform returns the eligible events for one platform.
func (s *Selection) ForPlatform(p domain.Platform) []*domain.Event {
	switch p {
	case domain.PlatformGoogleAds:
		return s.GoogleAds
	case domain.PlatformMicrosoftAds:
		return s.MicrosoftAds
	}
	return nil
}

// Select fetches category candidates from the warehouse and applies the
// dedup predicate per platform.
func (s *Selector) Select(ctx context.Context, category Category) (*Selection, error) {
	since := time.Now().UTC().AddDate(0, 0, -s.config.LookbackDays)

	events, err := s.fetch(ctx, category, since)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s candidates: %w", category, err)
	}

	state := repository.NewDeliveryState()
	if !s.config.DedupDisabled {
		state, err = s.dlog.DeliveryState(ctx, category.EventTypes())
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot delivery state for %s: %w", category, err)
		}
	}

	return Partition(events, state, s.config.RetryCeiling), nil
}

func (s *Selector) fetch(ctx context.Context, category Category, since time.Time) ([]*domain.Event, error) {
	switch category {
	case CategoryTrialStarts:
		return s.source.TrialStarts(ctx, since)
	case CategorySubscriptions:
		return s.source.SubscriptionPayments(ctx, since, s.config.IncludeRenewals)
	case CategoryDocumentPurchases:
		return s.source.DocumentPurchases(ctx, since)
	case CategoryChatPurchases:
		return s.source.ChatPurchases(ctx, since)
	}
	return nil, fmt.Errorf("unknown category: %s", category)
}

// Eligible reports whether an event may still be submitted to the given
// platform: it carries that platform's click id, has never been `sent`
// there, and its failed attempts are below the retry ceiling.
func Eligible(event *domain.Event, platform domain.Platform, state *repository.DeliveryState, retryCeiling int) bool {
	if event.ClickID(platform) == "" {
		return false
	}

	key := repository.AttemptKey{EventID: event.EventID, Platform: platform}
	if state.Sent[key] {
		return false
	}
	return state.FailedCounts[key] < retryCeiling
}

// Partition applies the eligibility predicate to every candidate and fans
// out by platform. Order is preserved within each platform list.
func Partition(events []*domain.Event, state *repository.DeliveryState, retryCeiling int) *Selection {
	selection := &Selection{}
	for _, event := range events {
		if Eligible(event, domain.PlatformGoogleAds, state, retryCeiling) {
			selection.GoogleAds = append(selection.GoogleAds, event)
		}
		if Eligible(event, domain.PlatformMicrosoftAds, state, retryCeiling) {
			selection.MicrosoftAds = append(selection.MicrosoftAds, event)
		}
	}
	return selection
}
