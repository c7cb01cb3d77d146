// Package microsoftads implements the platform adapter for Microsoft Ads in
// two dialects sharing one contract: the Conversions API (JSON, flat-index
// partial errors) and the legacy Campaign Management SOAP service.
package microsoftads

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/maximilianredt/eforms-conversion-uploader/internal/config"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/domain"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/platform"
)

const (
	batchSize          = 1000
	defaultCAPIBaseURL = "https://capi.bingads.microsoft.com/v1"
)

// CAPIAdapter implements platform.Adapter against the UET Conversions API.
// Goal names are sent directly; no resolution step exists for this dialect.
type CAPIAdapter struct {
	httpClient   *http.Client
	baseURL      string
	tagID        string
	token        string
	goalNames    map[domain.EventType]string
	currencyCode string
	log          *zap.Logger

	authFailure string
}

// NewCAPIAdapter creates a Conversions API adapter for one run.
func NewCAPIAdapter(cfg *config.MicrosoftAds, goalNames map[domain.EventType]string, currencyCode string, log *zap.Logger) *CAPIAdapter {
	return &CAPIAdapter{
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		baseURL:      defaultCAPIBaseURL,
		tagID:        cfg.CAPITagID,
		token:        cfg.CAPIToken,
		goalNames:    goalNames,
		currencyCode: currencyCode,
		log:          log,
	}
}

// Name returns the platform tag.
func (a *CAPIAdapter) Name() domain.Platform {
	return domain.PlatformMicrosoftAds
}

type capiEvent struct {
	EventType       string        `json:"eventType"`
	EventName       string        `json:"eventName"`
	EventTime       int64         `json:"eventTime"`
	EventValue      float64       `json:"eventValue,omitempty"`
	Currency        string        `json:"currency,omitempty"`
	MSCLKID         string        `json:"msclkid"`
	AdjustmentType  string        `json:"adjustmentType,omitempty"`
	AdjustedTime    int64         `json:"adjustedTime,omitempty"`
	AdjustmentValue *float64      `json:"adjustmentValue,omitempty"`
	UserData        *capiUserData `json:"userData,omitempty"`
}

type capiUserData struct {
	HashedEmail string `json:"em,omitempty"`
}

type capiRequest struct {
	Data []capiEvent `json:"data"`
}

// capiError is one flat-index partial error entry.
type capiError struct {
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type capiResponse struct {
	Errors []capiError `json:"errors"`
}

// Upload sends offline conversion events, batch by batch.
func (a *CAPIAdapter) Upload(ctx context.Context, conversions []*platform.Conversion) ([]platform.Outcome, error) {
	outcomes := make([]platform.Outcome, 0, len(conversions))

	for _, batch := range platform.Chunk(conversions, batchSize) {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		ids := make([]string, len(batch))
		events := make([]capiEvent, len(batch))
		for i, conv := range batch {
			ids[i] = conv.EventID
			event := capiEvent{
				EventType:  "custom",
				EventName:  a.goalNames[conv.EventType],
				EventTime:  conv.ConversionTime.UTC().UnixMilli(),
				EventValue: conv.Value,
				Currency:   a.currencyCode,
				MSCLKID:    conv.ClickID,
			}
			if conv.HashedEmail != "" {
				event.UserData = &capiUserData{HashedEmail: conv.HashedEmail}
			}
			events[i] = event
		}

		outcomes = append(outcomes, a.send(ctx, events, ids)...)
	}

	return outcomes, nil
}

// Retract sends retraction adjustment events referencing the original
// conversion's goal and time.
func (a *CAPIAdapter) Retract(ctx context.Context, retractions []*domain.Retraction) ([]platform.Outcome, error) {
	outcomes := make([]platform.Outcome, 0, len(retractions))
	zero := 0.0

	for _, batch := range platform.Chunk(retractions, batchSize) {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		ids := make([]string, len(batch))
		events := make([]capiEvent, len(batch))
		for i, adj := range batch {
			ids[i] = adj.EventID
			events[i] = capiEvent{
				EventType:       "adjustment",
				EventName:       adj.OriginalAction,
				EventTime:       adj.OriginalConversionTime.UTC().UnixMilli(),
				MSCLKID:         adj.ClickID,
				AdjustmentType:  "retract",
				AdjustedTime:    adj.RefundTime.UTC().UnixMilli(),
				AdjustmentValue: &zero,
				Currency:        a.currencyCode,
			}
		}

		outcomes = append(outcomes, a.send(ctx, events, ids)...)
	}

	return outcomes, nil
}

// send posts one batch and maps flat-index partial errors back onto batch
// positions. Every id receives exactly one outcome.
func (a *CAPIAdapter) send(ctx context.Context, events []capiEvent, ids []string) []platform.Outcome {
	outcomes := make([]platform.Outcome, len(ids))

	if a.authFailure != "" {
		for i, id := range ids {
			outcomes[i] = platform.Rejected(id, a.authFailure)
		}
		return outcomes
	}

	resp, err := a.post(ctx, events)
	if err != nil {
		message := err.Error()
		var callErr *capiCallError
		if errors.As(err, &callErr) && callErr.authFailure() {
			a.authFailure = message
			a.log.Error("Microsoft Ads authentication failed, rejecting remaining work", zap.Error(err))
		} else {
			a.log.Error("Microsoft Ads batch call failed", zap.Error(err))
		}
		for i, id := range ids {
			outcomes[i] = platform.Rejected(id, message)
		}
		return outcomes
	}

	failures := make(map[int]string, len(resp.Errors))
	for _, e := range resp.Errors {
		failures[e.Index] = fmt.Sprintf("Code %s: %s", e.Code, e.Message)
	}

	for i, id := range ids {
		if message, failed := failures[i]; failed {
			outcomes[i] = platform.Rejected(id, message)
			a.log.Warn("Microsoft Ads rejected event",
				zap.String("event_id", id),
				zap.String("reason", message))
		} else {
			outcomes[i] = platform.Delivered(id)
		}
	}

	return outcomes
}

type capiCallError struct {
	statusCode int
	message    string
}

func (e *capiCallError) Error() string {
	return fmt.Sprintf("microsoft ads capi error (HTTP %d): %s", e.statusCode, e.message)
}

func (e *capiCallError) authFailure() bool {
	return e.statusCode == http.StatusUnauthorized || e.statusCode == http.StatusForbidden
}

func (a *CAPIAdapter) post(ctx context.Context, events []capiEvent) (*capiResponse, error) {
	payload, err := json.Marshal(capiRequest{Data: events})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal capi request: %w", err)
	}

	url := fmt.Sprintf("%s/tags/%s/events", a.baseURL, a.tagID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build capi request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("microsoft ads capi request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read capi response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &capiCallError{
			statusCode: resp.StatusCode,
			message:    strings.TrimSpace(string(body)),
		}
	}

	var decoded capiResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		// Unknown response shape: callers treat this as a total batch
		// rejection rather than silently assuming success.
		return nil, fmt.Errorf("unexpected capi response shape: %w", err)
	}

	return &decoded, nil
}
