package microsoftads

import (
	"bytes"
	"context"
	"encoding/xml"
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
	defaultSOAPEndpoint = "https://campaign.api.bingads.microsoft.com/Api/Advertiser/CampaignManagement/v13/CampaignManagementService.svc"
	soapNamespace       = "https://bingads.microsoft.com/CampaignManagement/v13"
	// Campaign Management expects UTC ISO timestamps with milliseconds.
	soapTimeLayout = "2006-01-02T15:04:05.000Z"
)

// SOAPAdapter implements platform.Adapter against the legacy Campaign
// Management v13 service. Same contract as the CAPI dialect; partial errors
// arrive as BatchError elements keyed by flat batch index.
type SOAPAdapter struct {
	httpClient   *http.Client
	endpoint     string
	accessToken  string
	devToken     string
	accountID    string
	customerID   string
	goalNames    map[domain.EventType]string
	currencyCode string
	log          *zap.Logger

	authFailure string
}

// NewSOAPAdapter creates a legacy Campaign Management adapter for one run.
func NewSOAPAdapter(cfg *config.MicrosoftAds, goalNames map[domain.EventType]string, currencyCode string, log *zap.Logger) *SOAPAdapter {
	return &SOAPAdapter{
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		endpoint:     defaultSOAPEndpoint,
		accessToken:  cfg.AccessToken,
		devToken:     cfg.DeveloperToken,
		accountID:    cfg.AccountID,
		customerID:   cfg.CustomerID,
		goalNames:    goalNames,
		currencyCode: currencyCode,
		log:          log,
	}
}

// Name returns the platform tag.
func (a *SOAPAdapter) Name() domain.Platform {
	return domain.PlatformMicrosoftAds
}

type offlineConversion struct {
	XMLName                xml.Name `xml:"OfflineConversion"`
	ConversionCurrencyCode string   `xml:"ConversionCurrencyCode"`
	ConversionName         string   `xml:"ConversionName"`
	ConversionTime         string   `xml:"ConversionTime"`
	ConversionValue        float64  `xml:"ConversionValue"`
	MicrosoftClickID       string   `xml:"MicrosoftClickId"`
	HashedEmailAddress     string   `xml:"HashedEmailAddress,omitempty"`
}

type offlineConversionAdjustment struct {
	XMLName                xml.Name `xml:"OfflineConversionAdjustment"`
	AdjustmentCurrencyCode string   `xml:"AdjustmentCurrencyCode"`
	AdjustmentTime         string   `xml:"AdjustmentTime"`
	AdjustmentType         string   `xml:"AdjustmentType"`
	AdjustmentValue        float64  `xml:"AdjustmentValue"`
	ConversionName         string   `xml:"ConversionName"`
	ConversionTime         string   `xml:"ConversionTime"`
	MicrosoftClickID       string   `xml:"MicrosoftClickId"`
}

type soapEnvelope struct {
	XMLName xml.Name   `xml:"s:Envelope"`
	NS      string     `xml:"xmlns:s,attr"`
	Header  soapHeader `xml:"s:Header"`
	Body    soapBody
}

type soapBody struct {
	XMLName xml.Name `xml:"s:Body"`
	Content any
}

type soapHeader struct {
	NS                  string `xml:"xmlns,attr"`
	AuthenticationToken string `xml:"AuthenticationToken"`
	CustomerAccountID   string `xml:"CustomerAccountId"`
	CustomerID          string `xml:"CustomerId"`
	DeveloperToken      string `xml:"DeveloperToken"`
}

type applyOfflineConversionsRequest struct {
	XMLName            xml.Name            `xml:"ApplyOfflineConversionsRequest"`
	NS                 string              `xml:"xmlns,attr"`
	OfflineConversions []offlineConversion `xml:"OfflineConversions>OfflineConversion"`
}

type applyAdjustmentsRequest struct {
	XMLName     xml.Name                      `xml:"ApplyOfflineConversionAdjustmentsRequest"`
	NS          string                        `xml:"xmlns,attr"`
	Adjustments []offlineConversionAdjustment `xml:"OfflineConversionAdjustments>OfflineConversionAdjustment"`
}

// batchError is one partial-failure entry keyed by flat batch index.
type batchError struct {
	Code    int    `xml:"Code"`
	Index   int    `xml:"Index"`
	Message string `xml:"Message"`
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	Reason string `xml:"faultstring"`
}

// Upload sends offline conversions through ApplyOfflineConversions.
func (a *SOAPAdapter) Upload(ctx context.Context, conversions []*platform.Conversion) ([]platform.Outcome, error) {
	outcomes := make([]platform.Outcome, 0, len(conversions))

	for _, batch := range platform.Chunk(conversions, batchSize) {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		ids := make([]string, len(batch))
		items := make([]offlineConversion, len(batch))
		for i, conv := range batch {
			ids[i] = conv.EventID
			items[i] = offlineConversion{
				ConversionCurrencyCode: a.currencyCode,
				ConversionName:         a.goalNames[conv.EventType],
				ConversionTime:         conv.ConversionTime.UTC().Format(soapTimeLayout),
				ConversionValue:        conv.Value,
				MicrosoftClickID:       conv.ClickID,
				HashedEmailAddress:     conv.HashedEmail,
			}
		}

		request := applyOfflineConversionsRequest{NS: soapNamespace, OfflineConversions: items}
		outcomes = append(outcomes, a.call(ctx, "ApplyOfflineConversions", request, ids)...)
	}

	return outcomes, nil
}

// Retract sends Retract adjustments through ApplyOfflineConversionAdjustments.
func (a *SOAPAdapter) Retract(ctx context.Context, retractions []*domain.Retraction) ([]platform.Outcome, error) {
	outcomes := make([]platform.Outcome, 0, len(retractions))

	for _, batch := range platform.Chunk(retractions, batchSize) {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		ids := make([]string, len(batch))
		items := make([]offlineConversionAdjustment, len(batch))
		for i, adj := range batch {
			ids[i] = adj.EventID
			items[i] = offlineConversionAdjustment{
				AdjustmentCurrencyCode: a.currencyCode,
				AdjustmentTime:         adj.RefundTime.UTC().Format(soapTimeLayout),
				AdjustmentType:         "Retract",
				AdjustmentValue:        0,
				ConversionName:         adj.OriginalAction,
				ConversionTime:         adj.OriginalConversionTime.UTC().Format(soapTimeLayout),
				MicrosoftClickID:       adj.ClickID,
			}
		}

		request := applyAdjustmentsRequest{NS: soapNamespace, Adjustments: items}
		outcomes = append(outcomes, a.call(ctx, "ApplyOfflineConversionAdjustments", request, ids)...)
	}

	return outcomes, nil
}

// call posts one SOAP operation and maps partial errors back onto batch
// positions.
func (a *SOAPAdapter) call(ctx context.Context, action string, request any, ids []string) []platform.Outcome {
	outcomes := make([]platform.Outcome, len(ids))

	if a.authFailure != "" {
		for i, id := range ids {
			outcomes[i] = platform.Rejected(id, a.authFailure)
		}
		return outcomes
	}

	failures, err := a.post(ctx, action, request)
	if err != nil {
		message := err.Error()
		if strings.Contains(message, "AuthenticationTokenExpired") || strings.Contains(message, "InvalidCredentials") {
			a.authFailure = message
			a.log.Error("Microsoft Ads authentication failed, rejecting remaining work", zap.Error(err))
		} else {
			a.log.Error("Microsoft Ads SOAP call failed",
				zap.String("action", action),
				zap.Error(err))
		}
		for i, id := range ids {
			outcomes[i] = platform.Rejected(id, message)
		}
		return outcomes
	}

	for i, id := range ids {
		if message, failed := failures[i]; failed {
			outcomes[i] = platform.Rejected(id, message)
			a.log.Warn("Microsoft Ads rejected item",
				zap.String("event_id", id),
				zap.String("reason", message))
		} else {
			outcomes[i] = platform.Delivered(id)
		}
	}

	return outcomes
}

func (a *SOAPAdapter) post(ctx context.Context, action string, request any) (map[int]string, error) {
	envelope := soapEnvelope{
		NS: "http://schemas.xmlsoap.org/soap/envelope/",
		Header: soapHeader{
			NS:                  soapNamespace,
			AuthenticationToken: a.accessToken,
			CustomerAccountID:   a.accountID,
			CustomerID:          a.customerID,
			DeveloperToken:      a.devToken,
		},
		Body: soapBody{Content: request},
	}

	payload, err := xml.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal soap envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint,
		bytes.NewReader(append([]byte(xml.Header), payload...)))
	if err != nil {
		return nil, fmt.Errorf("failed to build soap request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", action)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("microsoft ads soap request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read soap response: %w", err)
	}

	return parseSOAPResponse(body, resp.StatusCode)
}

// parseSOAPResponse extracts BatchError partial failures from a response
// envelope, or surfaces a fault/unknown shape as a whole-call error.
func parseSOAPResponse(body []byte, statusCode int) (map[int]string, error) {
	// The PartialErrors element sits inside the per-operation Response
	// element, whose name differs between operations; ",any" captures it
	// either way.
	var parsed struct {
		Body struct {
			Fault    *soapFault `xml:"Fault"`
			Response struct {
				BatchErrors []batchError `xml:"PartialErrors>BatchError"`
			} `xml:",any"`
		} `xml:"Body"`
	}

	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("unexpected soap response shape (HTTP %d): %w", statusCode, err)
	}

	if parsed.Body.Fault != nil {
		return nil, fmt.Errorf("soap fault (HTTP %d): %s: %s",
			statusCode, parsed.Body.Fault.Code, parsed.Body.Fault.Reason)
	}
	if statusCode < 200 || statusCode >= 300 {
		return nil, fmt.Errorf("microsoft ads soap error (HTTP %d)", statusCode)
	}

	failures := make(map[int]string, len(parsed.Body.Response.BatchErrors))
	for _, e := range parsed.Body.Response.BatchErrors {
		failures[e.Index] = fmt.Sprintf("Code %d: %s", e.Code, e.Message)
	}

	return failures, nil
}
