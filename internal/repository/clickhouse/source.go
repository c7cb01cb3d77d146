package clickhouse

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/maximilianredt/eforms-conversion-uploader/internal/domain"
)

// EventSource implements repository.EventSource on the warehouse marts.
// Attribution fallback (direct conversion click id over first-touch) and all
// category filters are resolved here; dedup against the delivery log is not.
type EventSource struct {
	client *Client
	log    *zap.Logger
}

// NewEventSource creates a ClickHouse-backed event source.
func NewEventSource(client *Client, log *zap.Logger) *EventSource {
	return &EventSource{
		client: client,
		log:    log,
	}
}

const trialStartsQuery = `
SELECT
	ts.event_id,
	'trial_start' AS event_type,
	ts.user_id,
	ts.trial_started_at AS conversion_time,
	0.0 AS conversion_value,
	coalesce(nullIf(du.conversion_gclid, ''), da.first_touch_gclid, '') AS gclid,
	coalesce(nullIf(du.conversion_msclkid, ''), da.first_touch_msclkid, '') AS msclkid,
	coalesce(du.email, '') AS email,
	coalesce(du.first_name, '') AS first_name,
	coalesce(du.last_name, '') AS last_name,
	coalesce(du.city, '') AS city,
	coalesce(du.state, '') AS state,
	coalesce(du.country, '') AS country,
	coalesce(du.zip_code, '') AS zip_code
FROM stg_trial_started AS ts
LEFT JOIN dim_users AS du ON ts.user_id = du.user_id
LEFT JOIN dim_attribution AS da ON ts.user_id = da.user_id
WHERE ts.trial_started_at >= ?
  AND (gclid != '' OR msclkid != '')
`

// TrialStarts returns trial start candidates attributed to at least one
// platform.
func (s *EventSource) TrialStarts(ctx context.Context, since time.Time) ([]*domain.Event, error) {
	return s.queryEvents(ctx, trialStartsQuery, since)
}

const subscriptionPaymentsQuery = `
SELECT
	p.payment_id AS event_id,
	if(p.billing_frequency = 'annual', 'yearly_subscription', 'monthly_subscription') AS event_type,
	p.user_id,
	p.payment_at AS conversion_time,
	p.amount AS conversion_value,
	coalesce(nullIf(du.conversion_gclid, ''), da.first_touch_gclid, '') AS gclid,
	coalesce(nullIf(du.conversion_msclkid, ''), da.first_touch_msclkid, '') AS msclkid,
	coalesce(du.email, '') AS email,
	coalesce(du.first_name, '') AS first_name,
	coalesce(du.last_name, '') AS last_name,
	coalesce(du.city, '') AS city,
	coalesce(du.state, '') AS state,
	coalesce(du.country, '') AS country,
	coalesce(du.zip_code, '') AS zip_code
FROM fct_payments AS p
LEFT JOIN dim_users AS du ON p.user_id = du.user_id
LEFT JOIN dim_attribution AS da ON p.user_id = da.user_id
WHERE p.payment_at >= ?
  AND p.payment_type IN (?)
  AND p.payment_source = 'subscription'
  AND p.payment_status = 'completed'
  AND p.amount > 0
  AND (gclid != '' OR msclkid != '')
`

// SubscriptionPayments returns completed subscription payments; renewals are
// gated off unless includeRenewals is set.
func (s *EventSource) SubscriptionPayments(ctx context.Context, since time.Time, includeRenewals bool) ([]*domain.Event, error) {
	paymentTypes := []string{"initial_subscription"}
	if includeRenewals {
		paymentTypes = append(paymentTypes, "renewal")
	}
	return s.queryEvents(ctx, subscriptionPaymentsQuery, since, paymentTypes)
}

// chatPlanCode is the plan code reserved for chat purchases; every other
// order payment is a document purchase.
const chatPlanCode = "10"

const orderPurchasesQuery = `
SELECT
	p.payment_id AS event_id,
	? AS event_type,
	p.user_id,
	p.payment_at AS conversion_time,
	p.amount AS conversion_value,
	coalesce(nullIf(du.conversion_gclid, ''), da.first_touch_gclid, '') AS gclid,
	coalesce(nullIf(du.conversion_msclkid, ''), da.first_touch_msclkid, '') AS msclkid,
	coalesce(du.email, '') AS email,
	coalesce(du.first_name, '') AS first_name,
	coalesce(du.last_name, '') AS last_name,
	coalesce(du.city, '') AS city,
	coalesce(du.state, '') AS state,
	coalesce(du.country, '') AS country,
	coalesce(du.zip_code, '') AS zip_code
FROM fct_payments AS p
LEFT JOIN dim_users AS du ON p.user_id = du.user_id
LEFT JOIN dim_attribution AS da ON p.user_id = da.user_id
WHERE p.payment_at >= ?
  AND p.payment_type = 'order'
  AND p.payment_source = 'order'
  AND p.payment_status = 'completed'
  AND p.amount > 0
  AND %s
  AND (gclid != '' OR msclkid != '')
`

// DocumentPurchases returns completed order payments for any plan except the
// chat plan.
func (s *EventSource) DocumentPurchases(ctx context.Context, since time.Time) ([]*domain.Event, error) {
	query := fmt.Sprintf(orderPurchasesQuery, "coalesce(p.plan_code, '') != ?")
	return s.queryEvents(ctx, query, string(domain.EventDocumentPurchase), since, chatPlanCode)
}

// ChatPurchases returns completed order payments for the chat plan.
func (s *EventSource) ChatPurchases(ctx context.Context, since time.Time) ([]*domain.Event, error) {
	query := fmt.Sprintf(orderPurchasesQuery, "p.plan_code = ?")
	return s.queryEvents(ctx, query, string(domain.EventChatPurchase), since, chatPlanCode)
}

const refundPaymentsQuery = `
SELECT
	p.payment_id AS event_id,
	'refund' AS event_type,
	p.user_id,
	p.payment_at AS conversion_time,
	p.amount AS conversion_value,
	'' AS gclid,
	'' AS msclkid,
	'' AS email,
	'' AS first_name,
	'' AS last_name,
	'' AS city,
	'' AS state,
	'' AS country,
	'' AS zip_code
FROM fct_payments AS p
WHERE p.payment_at >= ?
  AND p.payment_type IN ('refund', 'order_refund')
  AND p.amount < 0
`

// RefundPayments returns negative-amount refund rows; the refund matcher is
// responsible for binding them to prior deliveries.
func (s *EventSource) RefundPayments(ctx context.Context, since time.Time) ([]*domain.Event, error) {
	return s.queryEvents(ctx, refundPaymentsQuery, since)
}

func (s *EventSource) queryEvents(ctx context.Context, query string, args ...any) ([]*domain.Event, error) {
	rows, err := s.client.Conn().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.log.Error("Failed to close event rows", zap.Error(err))
		}
	}()

	var events []*domain.Event
	for rows.Next() {
		var (
			event     domain.Event
			eventType string
		)
		err := rows.Scan(
			&event.EventID,
			&eventType,
			&event.UserID,
			&event.ConversionTime,
			&event.ConversionValue,
			&event.GCLID,
			&event.MSCLKID,
			&event.Email,
			&event.FirstName,
			&event.LastName,
			&event.City,
			&event.State,
			&event.Country,
			&event.ZipCode,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		event.EventType = domain.EventType(eventType)
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}

	return events, nil
}
