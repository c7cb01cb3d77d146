package googleads

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/maximilianredt/eforms-conversion-uploader/internal/domain"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/platform"
)

const testResource = "customers/123/conversionActions/111"

var testActionNames = map[domain.EventType]string{
	domain.EventTrialStart: "Trial Start DWH",
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &Client{
		httpClient:      srv.Client(),
		baseURL:         srv.URL,
		customerID:      "123",
		loginCustomerID: "456",
		developerToken:  "dev-token",
		log:             zap.NewNop(),
	}
}

func newTestAdapter(client *Client) *Adapter {
	return NewAdapter(client, testActionNames, platform.NewActionCache(), "USD", zap.NewNop())
}

func searchResult(resource string) string {
	return `{"results":[{"conversionAction":{"resourceName":"` + resource + `","name":"Trial Start DWH"}}]}`
}

func testConversion(id, gclid string) *platform.Conversion {
	return &platform.Conversion{
		EventID:        id,
		EventType:      domain.EventTrialStart,
		ClickID:        gclid,
		ConversionTime: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Value:          49.0,
	}
}

func TestUpload_PartialFailureByFieldPath(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "googleAds:search"):
			_, _ = w.Write([]byte(searchResult(testResource)))
		case strings.HasSuffix(r.URL.Path, ":uploadClickConversions"):
			_, _ = w.Write([]byte(`{
				"partialFailureError": {
					"code": 3,
					"message": "partial failure",
					"details": [{
						"@type": "type.googleapis.com/google.ads.googleads.v17.errors.GoogleAdsFailure",
						"errors": [{
							"message": "The click id is invalid",
							"location": {"fieldPathElements": [{"fieldName": "conversions", "index": 1}]}
						}]
					}]
				}
			}`))
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}

	adapter := newTestAdapter(newTestClient(t, handler))

	outcomes, err := adapter.Upload(context.Background(), []*platform.Conversion{
		testConversion("1", "g-1"),
		testConversion("2", "g-bad"),
		testConversion("3", "g-3"),
	})

	assert.NoError(t, err)
	assert.Len(t, outcomes, 3)
	assert.True(t, outcomes[0].Delivered)
	assert.False(t, outcomes[1].Delivered)
	assert.Equal(t, "The click id is invalid", outcomes[1].Message)
	assert.True(t, outcomes[2].Delivered)
}

func TestUpload_OmittedIndexMeansFirstOperation(t *testing.T) {
	// proto3 JSON omits zero values, so index 0 arrives without an index
	// field at all.
	handler := func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "googleAds:search"):
			_, _ = w.Write([]byte(searchResult(testResource)))
		default:
			_, _ = w.Write([]byte(`{
				"partialFailureError": {
					"code": 3,
					"message": "partial failure",
					"details": [{
						"errors": [{
							"message": "expired click",
							"location": {"fieldPathElements": [{"fieldName": "conversions"}]}
						}]
					}]
				}
			}`))
		}
	}

	adapter := newTestAdapter(newTestClient(t, handler))

	outcomes, err := adapter.Upload(context.Background(), []*platform.Conversion{
		testConversion("1", "g-1"),
		testConversion("2", "g-2"),
	})

	assert.NoError(t, err)
	assert.False(t, outcomes[0].Delivered)
	assert.Equal(t, "expired click", outcomes[0].Message)
	assert.True(t, outcomes[1].Delivered)
}

func TestUpload_ActionNotFoundRejectsWithoutUpload(t *testing.T) {
	var uploadCalls atomic.Int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "googleAds:search"):
			_, _ = w.Write([]byte(`{"results":[]}`))
		default:
			uploadCalls.Add(1)
			_, _ = w.Write([]byte(`{}`))
		}
	}

	adapter := newTestAdapter(newTestClient(t, handler))

	outcomes, err := adapter.Upload(context.Background(), []*platform.Conversion{
		testConversion("1", "g-1"),
	})

	assert.NoError(t, err)
	assert.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Delivered)
	assert.Contains(t, outcomes[0].Message, "Trial Start DWH")
	assert.Equal(t, int32(0), uploadCalls.Load())
}

func TestUpload_AuthFailureShortCircuits(t *testing.T) {
	var requests atomic.Int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":401,"message":"Request had invalid authentication credentials","status":"UNAUTHENTICATED"}}`))
	}

	adapter := newTestAdapter(newTestClient(t, handler))

	outcomes, err := adapter.Upload(context.Background(), []*platform.Conversion{
		testConversion("1", "g-1"),
		testConversion("2", "g-2"),
		testConversion("3", "g-3"),
	})

	assert.NoError(t, err)
	assert.Len(t, outcomes, 3)
	for _, outcome := range outcomes {
		assert.False(t, outcome.Delivered)
		assert.Contains(t, outcome.Message, "invalid authentication credentials")
	}
	// Only the first action lookup hits the network; everything after the
	// 401 is rejected locally.
	assert.Equal(t, int32(1), requests.Load())

	// A later call on the same adapter stays local too.
	more, err := adapter.Upload(context.Background(), []*platform.Conversion{
		testConversion("4", "g-4"),
	})
	assert.NoError(t, err)
	assert.False(t, more[0].Delivered)
	assert.Equal(t, int32(1), requests.Load())
}

func TestUpload_ActionResolvedOncePerRun(t *testing.T) {
	var searches atomic.Int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "googleAds:search"):
			searches.Add(1)
			_, _ = w.Write([]byte(searchResult(testResource)))
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}

	adapter := newTestAdapter(newTestClient(t, handler))

	outcomes, err := adapter.Upload(context.Background(), []*platform.Conversion{
		testConversion("1", "g-1"),
		testConversion("2", "g-2"),
		testConversion("3", "g-3"),
	})

	assert.NoError(t, err)
	for _, outcome := range outcomes {
		assert.True(t, outcome.Delivered)
	}
	assert.Equal(t, int32(1), searches.Load())
}

func TestRetract_SendsRetractionAdjustments(t *testing.T) {
	var captured uploadAdjustmentsRequest
	handler := func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "googleAds:search"):
			_, _ = w.Write([]byte(searchResult(testResource)))
		case strings.HasSuffix(r.URL.Path, ":uploadConversionAdjustments"):
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			_, _ = w.Write([]byte(`{}`))
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}

	adapter := newTestAdapter(newTestClient(t, handler))

	outcomes, err := adapter.Retract(context.Background(), []*domain.Retraction{{
		EventID:                "r1",
		OriginalEventID:        "orig-1",
		Platform:               domain.PlatformGoogleAds,
		ClickID:                "g-1",
		OriginalAction:         "Trial Start DWH",
		OriginalConversionTime: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC),
		RefundTime:             time.Date(2026, 8, 2, 9, 30, 0, 0, time.UTC),
	}})

	assert.NoError(t, err)
	assert.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Delivered)

	assert.True(t, captured.PartialFailure)
	assert.Len(t, captured.ConversionAdjustments, 1)
	assert.Equal(t, "RETRACTION", captured.ConversionAdjustments[0].AdjustmentType)
	assert.Equal(t, "orig-1", captured.ConversionAdjustments[0].OrderID)
	assert.Equal(t, testResource, captured.ConversionAdjustments[0].ConversionAction)
	assert.Equal(t, "2026-08-02 09:30:00+00:00", captured.ConversionAdjustments[0].AdjustmentDateTime)
}

func TestUpload_ContextCancelledStopsBatching(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	adapter := newTestAdapter(newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected after cancellation")
	}))

	outcomes, err := adapter.Upload(ctx, []*platform.Conversion{testConversion("1", "g-1")})

	assert.Error(t, err)
	assert.Empty(t, outcomes)
}
