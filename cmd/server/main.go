package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/maximilianredt/eforms-conversion-uploader/internal/config"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/domain"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/handler"
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

	log.Info("Starting trigger server",
		zap.String("environment", cfg.Service.Environment),
		zap.String("port", cfg.Service.APIPort),
		zap.Bool("dry_run", cfg.Uploader.DryRun))

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

	// The Google Ads client (service-account token source) is long-lived;
	// adapters and their action cache are rebuilt for every run.
	var gadsClient *googleads.Client
	if !cfg.Uploader.DryRun {
		gadsClient, err = googleads.NewClient(ctx, &cfg.GoogleAds, log)
		if err != nil {
			log.Fatal("Failed to create Google Ads client", zap.Error(err))
		}
	}

	var notifier notify.RunNotifier
	if cfg.SQS.QueueURL != "" {
		publisher, err := notifysqs.NewPublisher(ctx, cfg.SQS, log)
		if err != nil {
			log.Fatal("Failed to create SQS publisher", zap.Error(err))
		}
		notifier = publisher
	}

	runOnce := func(runCtx context.Context) (*domain.RunSummary, error) {
		adapters := buildAdapters(cfg, gadsClient, log)
		runner := run.NewRunner(runConfig(cfg), source, dlog, adapters, notifier, log)
		return runner.Run(runCtx)
	}

	h := handler.NewHandler(runOnce, dlog, log)

	addr := fmt.Sprintf(":%s", cfg.Service.APIPort)
	log.Info("Trigger server starting", zap.String("address", addr))

	if err := http.ListenAndServe(addr, h); err != nil {
		log.Fatal("Failed to start trigger server", zap.Error(err))
	}
}

func buildAdapters(cfg *config.Config, gadsClient *googleads.Client, log *zap.Logger) []platform.Adapter {
	if cfg.Uploader.DryRun {
		return nil
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

	return adapters
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
