// Package run orchestrates one batch pass: select eligible events per
// category, fan out to the platform adapters, write every outcome back to
// the delivery log, then match and retract refunds.
package run

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maximilianredt/eforms-conversion-uploader/internal/domain"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/hashing"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/notify"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/platform"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/refund"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/repository"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/selector"
)

// Config holds the orchestration parameters for one run.
type Config struct {
	LookbackDays        int
	RetryCeiling        int
	IncludeRenewals     bool
	DryRun              bool
	CurrencyCode        string
	EnhancedConversions bool
	// ActionNames maps event types to the platform-side conversion action /
	// goal names recorded in log entries.
	ActionNames map[domain.Platform]map[domain.EventType]string
}

// Runner executes one batch pass. Construct a fresh Runner (and fresh
// adapters) per run; nothing here is shared across runs.
type Runner struct {
	config   Config
	source   repository.EventSource
	dlog     repository.DeliveryLog
	adapters []platform.Adapter
	notifier notify.RunNotifier
	log      *zap.Logger
}

// NewRunner creates a runner. notifier may be nil when summary
// notifications are not configured.
func NewRunner(
	config Config,
	source repository.EventSource,
	dlog repository.DeliveryLog,
	adapters []platform.Adapter,
	notifier notify.RunNotifier,
	log *zap.Logger,
) *Runner {
	return &Runner{
		config:   config,
		source:   source,
		dlog:     dlog,
		adapters: adapters,
		notifier: notifier,
		log:      log,
	}
}

// Run executes the pass. Category failures are isolated and reported in the
// summary; only a fully unusable setup returns an error.
func (r *Runner) Run(ctx context.Context) (*domain.RunSummary, error) {
	summary := domain.NewRunSummary(uuid.NewString())
	summary.DryRun = r.config.DryRun

	r.log.Info("Starting conversion upload run",
		zap.String("run_id", summary.RunID),
		zap.Bool("dry_run", r.config.DryRun),
		zap.Int("lookback_days", r.config.LookbackDays),
		zap.Int("retry_ceiling", r.config.RetryCeiling))

	// A missing or unprovisionable log disables dedup rather than aborting:
	// every candidate is treated as unsent, and refunds are skipped because
	// they cannot be matched without the log.
	if err := r.dlog.InitSchema(ctx); err != nil {
		summary.DedupDisabled = true
		r.log.Warn("Delivery log unavailable, running with dedup disabled and refunds skipped",
			zap.Error(err))
	}

	sel := selector.New(r.source, r.dlog, selector.Config{
		LookbackDays:    r.config.LookbackDays,
		RetryCeiling:    r.config.RetryCeiling,
		IncludeRenewals: r.config.IncludeRenewals,
		DedupDisabled:   summary.DedupDisabled,
	}, r.log)

	categoriesOK := true
	for _, category := range selector.Categories {
		if ctx.Err() != nil {
			categoriesOK = false
			summary.CategoryErrors = append(summary.CategoryErrors,
				fmt.Sprintf("%s: %v", category, ctx.Err()))
			break
		}

		if err := r.processCategory(ctx, sel, category, summary); err != nil {
			categoriesOK = false
			summary.CategoryErrors = append(summary.CategoryErrors,
				fmt.Sprintf("%s: %v", category, err))
			r.log.Error("Category processing failed, continuing with next",
				zap.String("category", string(category)),
				zap.Error(err))
		}
	}

	// Refund matching reads the entries the categories above just wrote; a
	// partial pass could retract against stale state, so refunds only run
	// after a clean sweep.
	switch {
	case summary.DedupDisabled:
		r.log.Warn("Skipping refunds: delivery log unavailable")
	case !categoriesOK:
		r.log.Warn("Skipping refunds: one or more categories failed this run")
	default:
		if err := r.processRefunds(ctx, summary); err != nil {
			summary.CategoryErrors = append(summary.CategoryErrors,
				fmt.Sprintf("refunds: %v", err))
			r.log.Error("Refund processing failed", zap.Error(err))
		}
	}

	summary.FinishedAt = time.Now().UTC()
	r.logSummary(summary)
	r.notifySummary(ctx, summary)

	return summary, nil
}

func (r *Runner) processCategory(ctx context.Context, sel *selector.Selector, category selector.Category, summary *domain.RunSummary) error {
	selection, err := sel.Select(ctx, category)
	if err != nil {
		return err
	}

	if selection.Total() == 0 {
		r.log.Info("No unsent events found", zap.String("category", string(category)))
		return nil
	}

	r.log.Info("Selected unsent events",
		zap.String("category", string(category)),
		zap.Int("total", selection.Total()),
		zap.Int("google_ads", len(selection.GoogleAds)),
		zap.Int("microsoft_ads", len(selection.MicrosoftAds)))

	// Dry runs never construct platform clients, so report per platform
	// directly instead of going through the adapters.
	if r.config.DryRun {
		for _, p := range domain.Platforms {
			if events := selection.ForPlatform(p); len(events) > 0 {
				r.logDryRun(p, category, events)
			}
		}
		return nil
	}

	for _, adapter := range r.adapters {
		events := selection.ForPlatform(adapter.Name())
		if len(events) == 0 {
			continue
		}

		conversions := r.buildConversions(events, adapter.Name())
		outcomes, uploadErr := adapter.Upload(ctx, conversions)

		if err := r.logUploadOutcomes(ctx, adapter.Name(), events, outcomes, summary); err != nil {
			return err
		}
		if uploadErr != nil {
			return fmt.Errorf("upload to %s aborted: %w", adapter.Name(), uploadErr)
		}
	}

	return nil
}

// logUploadOutcomes tallies outcomes and persists one log entry per
// attempted event. Failing to persist is at least as severe as the delivery
// failure itself (an unlogged `sent` breaks the dedup invariant), so it
// fails the category.
func (r *Runner) logUploadOutcomes(ctx context.Context, p domain.Platform, events []*domain.Event, outcomes []platform.Outcome, summary *domain.RunSummary) error {
	entries := make([]*domain.LogEntry, 0, len(outcomes))
	counts := summary.Platforms[p]

	for i, outcome := range outcomes {
		event := events[i]

		status := domain.StatusFailed
		apiResponse, errorMessage := "", outcome.Message
		if outcome.Delivered {
			status = domain.StatusSent
			apiResponse, errorMessage = outcome.Message, ""
			counts.Sent++
		} else {
			counts.Failed++
		}

		entries = append(entries, &domain.LogEntry{
			EventID:          event.EventID,
			EventType:        event.EventType,
			Platform:         p,
			ClickID:          event.ClickID(p),
			ConversionTime:   event.ConversionTime,
			ConversionValue:  event.ConversionValue,
			ConversionAction: r.actionName(p, event.EventType),
			CurrencyCode:     r.config.CurrencyCode,
			Status:           status,
			APIResponse:      apiResponse,
			ErrorMessage:     errorMessage,
			UserID:           event.UserID,
			RunID:            summary.RunID,
			SentAt:           time.Now().UTC(),
		})
	}

	if len(entries) == 0 {
		return nil
	}

	if _, err := r.dlog.InsertEntries(ctx, entries); err != nil {
		return fmt.Errorf("failed to persist %s outcomes: %w", p, err)
	}

	sent, failed := tally(outcomes)
	r.log.Info("Platform outcomes logged",
		zap.String("platform", string(p)),
		zap.Int("sent", sent),
		zap.Int("failed", failed))

	return nil
}

func (r *Runner) processRefunds(ctx context.Context, summary *domain.RunSummary) error {
	matcher := refund.NewMatcher(r.source, r.dlog, refund.Config{
		LookbackDays: r.config.LookbackDays,
		RetryCeiling: r.config.RetryCeiling,
	}, r.log)

	retractions, err := matcher.Match(ctx)
	if err != nil {
		return err
	}
	if len(retractions) == 0 {
		r.log.Info("No unsent refund retractions found")
		return nil
	}

	r.log.Info("Matched refund retractions", zap.Int("count", len(retractions)))

	if r.config.DryRun {
		for _, p := range domain.Platforms {
			if n := countForPlatform(retractions, p); n > 0 {
				r.log.Info("[DRY RUN] Would send retractions",
					zap.String("platform", string(p)),
					zap.Int("count", n))
			}
		}
		return nil
	}

	for _, adapter := range r.adapters {
		var subset []*domain.Retraction
		for _, adj := range retractions {
			if adj.Platform == adapter.Name() {
				subset = append(subset, adj)
			}
		}
		if len(subset) == 0 {
			continue
		}

		outcomes, retractErr := adapter.Retract(ctx, subset)

		if err := r.logRetractOutcomes(ctx, adapter.Name(), subset, outcomes, summary); err != nil {
			return err
		}
		if retractErr != nil {
			return fmt.Errorf("retractions to %s aborted: %w", adapter.Name(), retractErr)
		}
	}

	return nil
}

func (r *Runner) logRetractOutcomes(ctx context.Context, p domain.Platform, retractions []*domain.Retraction, outcomes []platform.Outcome, summary *domain.RunSummary) error {
	entries := make([]*domain.LogEntry, 0, len(outcomes))
	counts := summary.Platforms[p]

	for i, outcome := range outcomes {
		adj := retractions[i]

		status := domain.StatusFailed
		apiResponse, errorMessage := "", outcome.Message
		if outcome.Delivered {
			status = domain.StatusRetracted
			apiResponse, errorMessage = outcome.Message, ""
			counts.Retracted++
		} else {
			counts.Failed++
		}

		entries = append(entries, &domain.LogEntry{
			EventID:          adj.EventID,
			EventType:        domain.EventRefund,
			Platform:         p,
			ClickID:          adj.ClickID,
			ConversionTime:   adj.RefundTime,
			ConversionValue:  adj.Value,
			ConversionAction: adj.OriginalAction,
			CurrencyCode:     r.config.CurrencyCode,
			Status:           status,
			APIResponse:      apiResponse,
			ErrorMessage:     errorMessage,
			OriginalEventID:  adj.OriginalEventID,
			UserID:           adj.UserID,
			RunID:            summary.RunID,
			SentAt:           time.Now().UTC(),
		})
	}

	if len(entries) == 0 {
		return nil
	}

	if _, err := r.dlog.InsertEntries(ctx, entries); err != nil {
		return fmt.Errorf("failed to persist %s retraction outcomes: %w", p, err)
	}

	retracted, failed := tally(outcomes)
	r.log.Info("Retraction outcomes logged",
		zap.String("platform", string(p)),
		zap.Int("retracted", retracted),
		zap.Int("failed", failed))

	return nil
}

// buildConversions maps events to the adapter representation, hashing PII
// here so plaintext identifiers never cross the adapter boundary.
func (r *Runner) buildConversions(events []*domain.Event, p domain.Platform) []*platform.Conversion {
	conversions := make([]*platform.Conversion, len(events))
	for i, event := range events {
		conv := &platform.Conversion{
			EventID:        event.EventID,
			EventType:      event.EventType,
			ClickID:        event.ClickID(p),
			ConversionTime: event.ConversionTime,
			Value:          event.ConversionValue,
			CurrencyCode:   r.config.CurrencyCode,
		}

		if r.config.EnhancedConversions {
			conv.HashedEmail = hashing.Email(event.Email)
			conv.HashedFirstName = hashing.Name(event.FirstName)
			conv.HashedLastName = hashing.Name(event.LastName)
			// Both platforms take address components unhashed, but only
			// alongside a hashed name.
			conv.City = strings.TrimSpace(event.City)
			conv.State = strings.TrimSpace(event.State)
			conv.CountryCode = strings.ToUpper(strings.TrimSpace(event.Country))
			conv.PostalCode = strings.TrimSpace(event.ZipCode)
		}

		conversions[i] = conv
	}
	return conversions
}

func (r *Runner) actionName(p domain.Platform, t domain.EventType) string {
	if names, ok := r.config.ActionNames[p]; ok {
		return names[t]
	}
	return ""
}

func (r *Runner) logDryRun(p domain.Platform, category selector.Category, events []*domain.Event) {
	r.log.Info("[DRY RUN] Would send events",
		zap.String("platform", string(p)),
		zap.String("category", string(category)),
		zap.Int("count", len(events)))
	for _, event := range events[:min(3, len(events))] {
		r.log.Info("[DRY RUN] Sample event",
			zap.String("event_id", event.EventID),
			zap.String("click_id", event.ClickID(p)),
			zap.Float64("value", event.ConversionValue))
	}
}

func (r *Runner) logSummary(summary *domain.RunSummary) {
	for _, p := range domain.Platforms {
		counts := summary.Platforms[p]
		r.log.Info("Run summary",
			zap.String("run_id", summary.RunID),
			zap.String("platform", string(p)),
			zap.Int("sent", counts.Sent),
			zap.Int("retracted", counts.Retracted),
			zap.Int("failed", counts.Failed))
	}

	if failed := summary.TotalFailed(); failed > 0 {
		r.log.Warn("Run completed with failures, they will be retried on the next run",
			zap.String("run_id", summary.RunID),
			zap.Int("failed", failed))
	}
	if len(summary.CategoryErrors) > 0 {
		r.log.Warn("Run completed with category errors",
			zap.String("run_id", summary.RunID),
			zap.Strings("errors", summary.CategoryErrors))
	}
}

func (r *Runner) notifySummary(ctx context.Context, summary *domain.RunSummary) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.PublishSummary(ctx, summary); err != nil {
		r.log.Error("Failed to publish run summary", zap.Error(err))
	}
}

func countForPlatform(retractions []*domain.Retraction, p domain.Platform) int {
	n := 0
	for _, adj := range retractions {
		if adj.Platform == p {
			n++
		}
	}
	return n
}

func tally(outcomes []platform.Outcome) (delivered, failed int) {
	for _, o := range outcomes {
		if o.Delivered {
			delivered++
		} else {
			failed++
		}
	}
	return delivered, failed
}
