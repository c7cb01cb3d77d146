package microsoftads

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/maximilianredt/eforms-conversion-uploader/internal/config"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/domain"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/platform"
)

const soapPartialErrorResponse = `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <ApplyOfflineConversionsResponse xmlns="https://bingads.microsoft.com/CampaignManagement/v13">
      <PartialErrors>
        <BatchError>
          <Code>4116</Code>
          <Index>1</Index>
          <Message>The Microsoft click id is invalid.</Message>
        </BatchError>
      </PartialErrors>
    </ApplyOfflineConversionsResponse>
  </s:Body>
</s:Envelope>`

const soapEmptyResponse = `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <ApplyOfflineConversionAdjustmentsResponse xmlns="https://bingads.microsoft.com/CampaignManagement/v13">
      <PartialErrors/>
    </ApplyOfflineConversionAdjustmentsResponse>
  </s:Body>
</s:Envelope>`

func soapFaultResponse(reason string) string {
	return `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <s:Fault>
      <faultcode>s:Server</faultcode>
      <faultstring>` + reason + `</faultstring>
    </s:Fault>
  </s:Body>
</s:Envelope>`
}

func newTestSOAPAdapter(t *testing.T, handler http.HandlerFunc) *SOAPAdapter {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	adapter := NewSOAPAdapter(&config.MicrosoftAds{
		AccessToken:    "access",
		DeveloperToken: "dev",
		AccountID:      "acct-1",
		CustomerID:     "cust-1",
	}, testGoalNames, "USD", zap.NewNop())
	adapter.httpClient = srv.Client()
	adapter.endpoint = srv.URL

	return adapter
}

func TestSOAPUpload_PartialErrorsByIndex(t *testing.T) {
	var body atomic.Value
	adapter := newTestSOAPAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ApplyOfflineConversions", r.Header.Get("SOAPAction"))
		raw, _ := io.ReadAll(r.Body)
		body.Store(string(raw))
		_, _ = w.Write([]byte(soapPartialErrorResponse))
	})

	outcomes, err := adapter.Upload(context.Background(), []*platform.Conversion{
		capiConversion("1", "ms-1"),
		capiConversion("2", "ms-bad"),
		capiConversion("3", "ms-3"),
	})

	assert.NoError(t, err)
	assert.Len(t, outcomes, 3)
	assert.True(t, outcomes[0].Delivered)
	assert.False(t, outcomes[1].Delivered)
	assert.Equal(t, "Code 4116: The Microsoft click id is invalid.", outcomes[1].Message)
	assert.True(t, outcomes[2].Delivered)

	sent := body.Load().(string)
	assert.Contains(t, sent, "<AuthenticationToken>access</AuthenticationToken>")
	assert.Contains(t, sent, "<CustomerAccountId>acct-1</CustomerAccountId>")
	assert.Contains(t, sent, "<MicrosoftClickId>ms-1</MicrosoftClickId>")
	assert.Contains(t, sent, "<ConversionName>UET Trial Start</ConversionName>")
	assert.Contains(t, sent, "<ConversionTime>2026-08-01T12:00:00.000Z</ConversionTime>")
}

func TestSOAPUpload_FaultRejectsWholeBatch(t *testing.T) {
	adapter := newTestSOAPAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(soapFaultResponse("Internal service error.")))
	})

	outcomes, err := adapter.Upload(context.Background(), []*platform.Conversion{
		capiConversion("1", "ms-1"),
		capiConversion("2", "ms-2"),
	})

	assert.NoError(t, err)
	assert.Len(t, outcomes, 2)
	assert.False(t, outcomes[0].Delivered)
	assert.Contains(t, outcomes[0].Message, "Internal service error.")
}

func TestSOAP_ExpiredTokenShortCircuits(t *testing.T) {
	var requests atomic.Int32
	adapter := newTestSOAPAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(soapFaultResponse("AuthenticationTokenExpired")))
	})

	outcomes, err := adapter.Upload(context.Background(), []*platform.Conversion{
		capiConversion("1", "ms-1"),
	})

	assert.NoError(t, err)
	assert.False(t, outcomes[0].Delivered)
	assert.Equal(t, int32(1), requests.Load())

	more, err := adapter.Retract(context.Background(), []*domain.Retraction{{
		EventID:  "r1",
		Platform: domain.PlatformMicrosoftAds,
	}})
	assert.NoError(t, err)
	assert.False(t, more[0].Delivered)
	assert.Equal(t, int32(1), requests.Load())
}

func TestSOAPRetract_BuildsRetractAdjustments(t *testing.T) {
	var body atomic.Value
	adapter := newTestSOAPAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ApplyOfflineConversionAdjustments", r.Header.Get("SOAPAction"))
		raw, _ := io.ReadAll(r.Body)
		body.Store(string(raw))
		_, _ = w.Write([]byte(soapEmptyResponse))
	})

	outcomes, err := adapter.Retract(context.Background(), []*domain.Retraction{{
		EventID:                "r1",
		OriginalEventID:        "orig-1",
		Platform:               domain.PlatformMicrosoftAds,
		ClickID:                "ms-1",
		OriginalAction:         "UET Trial Start",
		OriginalConversionTime: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC),
		RefundTime:             time.Date(2026, 8, 2, 9, 30, 0, 0, time.UTC),
	}})

	assert.NoError(t, err)
	assert.True(t, outcomes[0].Delivered)

	sent := body.Load().(string)
	assert.Contains(t, sent, "<AdjustmentType>Retract</AdjustmentType>")
	assert.Contains(t, sent, "<AdjustmentValue>0</AdjustmentValue>")
	assert.Contains(t, sent, "<ConversionName>UET Trial Start</ConversionName>")
	assert.Contains(t, sent, "<ConversionTime>2026-07-01T10:00:00.000Z</ConversionTime>")
	assert.Contains(t, sent, "<AdjustmentTime>2026-08-02T09:30:00.000Z</AdjustmentTime>")
	assert.Contains(t, sent, "<MicrosoftClickId>ms-1</MicrosoftClickId>")
}
