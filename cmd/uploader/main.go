package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/maximilianredt/eforms-conversion-uploader/internal/config"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/logger"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/notify"
	notifysqs "github.com/maximilianredt/eforms-conversion-uploader/internal/notify/sqs"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/platform"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/platform/googleads"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/platform/microsoftads"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/repository/clickhouse"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/run"
)

func main() {
	// Load .env for local development; in deployed environments the
	// variables come from the runtime.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Initialize logger
	log, err := logger.New(cfg.Service.Environment)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer func(log *zap.Logger) {
		err := log.Sync()
		if err != nil {
			log.Error("Failed to sync logger", zap.Error(err))
		}
	}(log)

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	log.Info("Starting uploader job",
		zap.String("environment", cfg.Service.Environment),
		zap.Bool("dry_run", cfg.Uploader.DryRun))

	// A SIGTERM cancels the context; in-flight batches finish, remaining
	// work is picked up by the next run.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Initialize ClickHouse client
	chClient, err := clickhouse.NewClient(ctx, &cfg.ClickHouse, log)
	if err != nil {
		log.Fatal("Failed to create ClickHouse client", zap.Error(err))
	}
	defer func() {
		if err := chClient.Close(); err != nil {
			log.Error("Failed to close ClickHouse client", zap.Error(err))
		}
	}()

	source := clickhouse.NewEventSource(chClient, log)
	dlog := clickhouse.NewDeliveryLog(chClient, log)

	adapters, err := buildAdapters(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to create platform adapters", zap.Error(err))
	}

	var notifier notify.RunNotifier
	if cfg.SQS.QueueURL != "" {
		publisher, err := notifysqs.NewPublisher(ctx, cfg.SQS, log)
		if err != nil {
			log.Fatal("Failed to create SQS publisher", zap.Error(err))
		}
		notifier = publisher
	}

	runner := run.NewRunner(runConfig(cfg), source, dlog, adapters, notifier, log)

	summary, err := runner.Run(ctx)
	if err != nil {
		log.Fatal("Run failed", zap.Error(err))
	}

	// Category errors self-heal on the next scheduled run, so they are not
	// a job failure; non-zero exits are reserved for the Fatal paths above.
	if len(summary.CategoryErrors) > 0 {
		log.Error("Run finished with category errors",
			zap.String("run_id", summary.RunID),
			zap.Strings("errors", summary.CategoryErrors))
	}

	log.Info("Run finished",
		zap.String("run_id", summary.RunID),
		zap.Int("failed", summary.TotalFailed()))
}

// buildAdapters creates the live platform adapters. Dry runs never talk to
// the platforms, so no clients (and no credentials) are needed.
func buildAdapters(ctx context.Context, cfg *config.Config, log *zap.Logger) ([]platform.Adapter, error) {
	if cfg.Uploader.DryRun {
		return nil, nil
	}

	gadsClient, err := googleads.NewClient(ctx, &cfg.GoogleAds, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google Ads client: %w", err)
	}

	adapters := []platform.Adapter{
		googleads.NewAdapter(gadsClient, cfg.GoogleActionNames(), platform.NewActionCache(), cfg.Uploader.CurrencyCode, log),
	}

	if cfg.MicrosoftAds.UseLegacySOAP {
		adapters = append(adapters,
			microsoftads.NewSOAPAdapter(&cfg.MicrosoftAds, cfg.MicrosoftGoalNames(), cfg.Uploader.CurrencyCode, log))
	} else {
		adapters = append(adapters,
			microsoftads.NewCAPIAdapter(&cfg.MicrosoftAds, cfg.MicrosoftGoalNames(), cfg.Uploader.CurrencyCode, log))
	}

	return adapters, nil
}

func runConfig(cfg *config.Config) run.Config {
	return run.Config{
		LookbackDays:        cfg.Uploader.LookbackDays,
		RetryCeiling:        cfg.Uploader.MaxRetries,
		IncludeRenewals:     cfg.Uploader.SendRenewalPayments,
		DryRun:              cfg.Uploader.DryRun,
		CurrencyCode:        cfg.Uploader.CurrencyCode,
		EnhancedConversions: cfg.Uploader.EnableEnhancedConversions,
		ActionNames:         cfg.ActionNames(),
	}
}
