// Package refund maps negative-amount payments to the prior delivery they
// must retract against each platform.
package refund

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/maximilianredt/eforms-conversion-uploader/internal/domain"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/repository"
)

// originalLookbackDays bounds how far back a refund may match a sent
// conversion. Both platforms stop accepting adjustments well inside this
// window, so older originals could never be retracted anyway.
const originalLookbackDays = 180

// Config holds the matching parameters for one run.
type Config struct {
	LookbackDays int
	RetryCeiling int
}

// Matcher binds refund payments to the most recent successfully-delivered
// conversion for the same user and platform.
type Matcher struct {
	source repository.EventSource
	dlog   repository.DeliveryLog
	config Config
	log    *zap.Logger
}

// NewMatcher creates a refund matcher over the given source and delivery log.
func NewMatcher(source repository.EventSource, dlog repository.DeliveryLog, config Config, log *zap.Logger) *Matcher {
	return &Matcher{
		source: source,
		dlog:   dlog,
		config: config,
		log:    log,
	}
}

// Match returns retraction requests for every in-window refund that has a
// matching prior `sent` conversion and has not itself already been delivered
// or over-retried. A refund with no matching original produces nothing;
// there is nothing to retract.
func (m *Matcher) Match(ctx context.Context) ([]*domain.Retraction, error) {
	since := time.Now().UTC().AddDate(0, 0, -m.config.LookbackDays)

	refunds, err := m.source.RefundPayments(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch refund payments: %w", err)
	}
	if len(refunds) == 0 {
		return nil, nil
	}

	originalsSince := time.Now().UTC().AddDate(0, 0, -originalLookbackDays)
	originals, err := m.dlog.SentConversions(ctx, originalsSince)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sent conversions: %w", err)
	}

	state, err := m.dlog.RetractionState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot retraction state: %w", err)
	}

	ranked := rankOriginals(originals)

	var retractions []*domain.Retraction
	for _, refund := range refunds {
		for _, platform := range domain.Platforms {
			original, ok := ranked[userPlatform{refund.UserID, platform}]
			if !ok {
				continue
			}

			key := repository.AttemptKey{EventID: refund.EventID, Platform: platform}
			if state.Delivered[key] {
				continue
			}
			if state.FailedCounts[key] >= m.config.RetryCeiling {
				m.log.Warn("Refund retraction over retry ceiling, dropping",
					zap.String("event_id", refund.EventID),
					zap.String("platform", string(platform)))
				continue
			}

			retractions = append(retractions, &domain.Retraction{
				EventID:                refund.EventID,
				OriginalEventID:        original.EventID,
				Platform:               platform,
				ClickID:                original.ClickID,
				OriginalAction:         original.ConversionAction,
				OriginalConversionTime: original.ConversionTime,
				RefundTime:             refund.ConversionTime,
				Value:                  refund.ConversionValue,
				UserID:                 refund.UserID,
			})
		}
	}

	return retractions, nil
}

type userPlatform struct {
	userID   string
	platform domain.Platform
}

// rankOriginals keeps, per user and platform, the sent conversion with the
// latest conversion time. Ties fall back to event id ordering so matching
// stays deterministic.
func rankOriginals(entries []*domain.LogEntry) map[userPlatform]*domain.LogEntry {
	sorted := make([]*domain.LogEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].ConversionTime.Equal(sorted[j].ConversionTime) {
			return sorted[i].ConversionTime.After(sorted[j].ConversionTime)
		}
		return sorted[i].EventID > sorted[j].EventID
	})

	ranked := make(map[userPlatform]*domain.LogEntry)
	for _, entry := range sorted {
		key := userPlatform{entry.UserID, entry.Platform}
		if _, ok := ranked[key]; !ok {
			ranked[key] = entry
		}
	}
	return ranked
}
