package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/maximilianredt/eforms-conversion-uploader/internal/domain"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/repository"
)

const logTable = "ad_conversion_log"

// DeliveryLog implements repository.DeliveryLog on ClickHouse.
type DeliveryLog struct {
	client *Client
	log    *zap.Logger
}

// NewDeliveryLog creates a ClickHouse-backed delivery log.
func NewDeliveryLog(client *Client, log *zap.Logger) *DeliveryLog {
	return &DeliveryLog{
		client: client,
		log:    log,
	}
}

// InitSchema creates the ad_conversion_log table if it doesn't exist.
func (l *DeliveryLog) InitSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS ad_conversion_log (
		event_id String,
		event_type LowCardinality(String),
		platform LowCardinality(String),
		click_id String,
		conversion_time DateTime64(3),
		conversion_value Float64,
		conversion_action String,
		currency_code LowCardinality(String) DEFAULT 'USD',
		status LowCardinality(String),
		api_response String,
		error_message String,
		original_event_id String,
		user_id String,
		run_id String,
		sent_at DateTime64(3) DEFAULT now64(3)
	) ENGINE = MergeTree
	ORDER BY (event_type, platform, event_id, sent_at)
	PARTITION BY toYYYYMM(sent_at)
	SETTINGS index_granularity = 8192
	`

	if err := l.client.Conn().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create %s table: %w", logTable, err)
	}

	l.log.Info("Delivery log schema initialized")
	return nil
}

// InsertEntries appends a batch of attempt outcomes to the log.
func (l *DeliveryLog) InsertEntries(ctx context.Context, entries []*domain.LogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	batch, err := l.client.Conn().PrepareBatch(ctx, "INSERT INTO ad_conversion_log")
	if err != nil {
		return 0, fmt.Errorf("failed to prepare log batch: %w", err)
	}

	insertedCount := 0
	for _, entry := range entries {
		entry.Truncate()

		sentAt := entry.SentAt
		if sentAt.IsZero() {
			sentAt = time.Now().UTC()
		}

		err := batch.Append(
			entry.EventID,
			string(entry.EventType),
			string(entry.Platform),
			entry.ClickID,
			entry.ConversionTime,
			entry.ConversionValue,
			entry.ConversionAction,
			entry.CurrencyCode,
			string(entry.Status),
			entry.APIResponse,
			entry.ErrorMessage,
			entry.OriginalEventID,
			entry.UserID,
			entry.RunID,
			sentAt,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to append log entry to batch: %w", err)
		}
		insertedCount++
	}

	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("failed to send log batch: %w", err)
	}

	return insertedCount, nil
}

// DeliveryState snapshots sent markers and failed counts for the given event
// types in one pass over the log.
func (l *DeliveryLog) DeliveryState(ctx context.Context, eventTypes []domain.EventType) (*repository.DeliveryState, error) {
	state := repository.NewDeliveryState()

	types := make([]string, len(eventTypes))
	for i, t := range eventTypes {
		types[i] = string(t)
	}

	query := `
	SELECT event_id, platform, status, count() AS attempts
	FROM ad_conversion_log
	WHERE event_type IN (?) AND status IN ('sent', 'failed')
	GROUP BY event_id, platform, status
	`

	rows, err := l.client.Conn().Query(ctx, query, types)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery state: %w", err)
	}
	defer l.closeRows(rows)

	for rows.Next() {
		var (
			eventID  string
			platform string
			status   string
			attempts uint64
		)
		if err := rows.Scan(&eventID, &platform, &status, &attempts); err != nil {
			return nil, fmt.Errorf("failed to scan delivery state row: %w", err)
		}

		key := repository.AttemptKey{EventID: eventID, Platform: domain.Platform(platform)}
		switch domain.Status(status) {
		case domain.StatusSent:
			state.Sent[key] = true
		case domain.StatusFailed:
			state.FailedCounts[key] = int(attempts)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating delivery state rows: %w", err)
	}

	return state, nil
}

// SentConversions returns the non-refund entries with status `sent` whose
// conversion time falls on or after since, the candidate originals for
// refund matching.
func (l *DeliveryLog) SentConversions(ctx context.Context, since time.Time) ([]*domain.LogEntry, error) {
	query := `
	SELECT event_id, event_type, platform, click_id, conversion_time,
	       conversion_value, conversion_action, user_id
	FROM ad_conversion_log
	WHERE status = 'sent' AND event_type != 'refund' AND conversion_time >= ?
	`

	rows, err := l.client.Conn().Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query sent conversions: %w", err)
	}
	defer l.closeRows(rows)

	var entries []*domain.LogEntry
	for rows.Next() {
		var (
			entry     domain.LogEntry
			eventType string
			platform  string
		)
		err := rows.Scan(
			&entry.EventID,
			&eventType,
			&platform,
			&entry.ClickID,
			&entry.ConversionTime,
			&entry.ConversionValue,
			&entry.ConversionAction,
			&entry.UserID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sent conversion row: %w", err)
		}
		entry.EventType = domain.EventType(eventType)
		entry.Platform = domain.Platform(platform)
		entry.Status = domain.StatusSent
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sent conversion rows: %w", err)
	}

	return entries, nil
}

// RetractionState snapshots refund entries that already reached a terminal
// delivered status, plus failed retraction counts.
func (l *DeliveryLog) RetractionState(ctx context.Context) (*repository.RetractionState, error) {
	state := repository.NewRetractionState()

	query := `
	SELECT event_id, platform, status, count() AS attempts
	FROM ad_conversion_log
	WHERE event_type = 'refund'
	GROUP BY event_id, platform, status
	`

	rows, err := l.client.Conn().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query retraction state: %w", err)
	}
	defer l.closeRows(rows)

	for rows.Next() {
		var (
			eventID  string
			platform string
			status   string
			attempts uint64
		)
		if err := rows.Scan(&eventID, &platform, &status, &attempts); err != nil {
			return nil, fmt.Errorf("failed to scan retraction state row: %w", err)
		}

		key := repository.AttemptKey{EventID: eventID, Platform: domain.Platform(platform)}
		switch domain.Status(status) {
		case domain.StatusSent, domain.StatusRetracted:
			state.Delivered[key] = true
		case domain.StatusFailed:
			state.FailedCounts[key] = int(attempts)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating retraction state rows: %w", err)
	}

	return state, nil
}

// Ping checks if the ClickHouse connection is alive
func (l *DeliveryLog) Ping(ctx context.Context) error {
	return l.client.Conn().Ping(ctx)
}

// Close closes the ClickHouse connection
func (l *DeliveryLog) Close() error {
	return l.client.Close()
}

func (l *DeliveryLog) closeRows(rows driver.Rows) {
	if err := rows.Close(); err != nil {
		l.log.Error("Failed to close rows", zap.Error(err))
	}
}
