package googleads

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/maximilianredt/eforms-conversion-uploader/internal/domain"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/platform"
)

const (
	batchSize = 2000
	// Google Ads expects "yyyy-mm-dd HH:mm:ss+|-HH:MM".
	dateTimeLayout = "2006-01-02 15:04:05+00:00"
)

// Adapter implements platform.Adapter for Google Ads. It is constructed per
// run; the action cache it carries never outlives the run.
type Adapter struct {
	client       *Client
	actionNames  map[domain.EventType]string
	cache        *platform.ActionCache
	currencyCode string
	log          *zap.Logger

	// authFailure, once set, short-circuits every remaining call for this
	// platform: the rest of the run's items are rejected with this message
	// without further network traffic.
	authFailure string
}

// NewAdapter creates a Google Ads adapter for one run.
func NewAdapter(client *Client, actionNames map[domain.EventType]string, cache *platform.ActionCache, currencyCode string, log *zap.Logger) *Adapter {
	return &Adapter{
		client:       client,
		actionNames:  actionNames,
		cache:        cache,
		currencyCode: currencyCode,
		log:          log,
	}
}

// Name returns the platform tag.
func (a *Adapter) Name() domain.Platform {
	return domain.PlatformGoogleAds
}

type clickConversion struct {
	GCLID              string           `json:"gclid"`
	ConversionAction   string           `json:"conversionAction"`
	ConversionDateTime string           `json:"conversionDateTime"`
	ConversionValue    float64          `json:"conversionValue"`
	CurrencyCode       string           `json:"currencyCode"`
	OrderID            string           `json:"orderId,omitempty"`
	UserIdentifiers    []userIdentifier `json:"userIdentifiers,omitempty"`
}

type userIdentifier struct {
	UserIdentifierSource string       `json:"userIdentifierSource,omitempty"`
	HashedEmail          string       `json:"hashedEmail,omitempty"`
	AddressInfo          *addressInfo `json:"addressInfo,omitempty"`
}

type addressInfo struct {
	HashedFirstName string `json:"hashedFirstName,omitempty"`
	HashedLastName  string `json:"hashedLastName,omitempty"`
	City            string `json:"city,omitempty"`
	State           string `json:"state,omitempty"`
	CountryCode     string `json:"countryCode,omitempty"`
	PostalCode      string `json:"postalCode,omitempty"`
}

type uploadConversionsRequest struct {
	Conversions    []clickConversion `json:"conversions"`
	PartialFailure bool              `json:"partialFailure"`
}

type conversionAdjustment struct {
	ConversionAction   string `json:"conversionAction"`
	AdjustmentType     string `json:"adjustmentType"`
	OrderID            string `json:"orderId"`
	AdjustmentDateTime string `json:"adjustmentDateTime"`
}

type uploadAdjustmentsRequest struct {
	ConversionAdjustments []conversionAdjustment `json:"conversionAdjustments"`
	PartialFailure        bool                   `json:"partialFailure"`
}

type partialFailureStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details []struct {
		Type   string `json:"@type"`
		Errors []struct {
			Message  string `json:"message"`
			Location struct {
				FieldPathElements []struct {
					FieldName string `json:"fieldName"`
					Index     *int   `json:"index"`
				} `json:"fieldPathElements"`
			} `json:"location"`
		} `json:"errors"`
	} `json:"details"`
}

type uploadResponse struct {
	PartialFailureError *partialFailureStatus `json:"partialFailureError"`
}

// Upload reports click conversions, batch by batch. Every input conversion
// receives exactly one outcome; a failing batch never blocks the next one.
func (a *Adapter) Upload(ctx context.Context, conversions []*platform.Conversion) ([]platform.Outcome, error) {
	outcomes := make([]platform.Outcome, 0, len(conversions))

	for _, batch := range platform.Chunk(conversions, batchSize) {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, a.uploadBatch(ctx, batch)...)
	}

	return outcomes, nil
}

func (a *Adapter) uploadBatch(ctx context.Context, batch []*platform.Conversion) []platform.Outcome {
	outcomes := make([]platform.Outcome, len(batch))

	if a.authFailure != "" {
		for i, conv := range batch {
			outcomes[i] = platform.Rejected(conv.EventID, a.authFailure)
		}
		return outcomes
	}

	// Resolve conversion actions first; an unknown action rejects only the
	// items that use it.
	request := uploadConversionsRequest{PartialFailure: true}
	var included []int
	for i, conv := range batch {
		if a.authFailure != "" {
			outcomes[i] = platform.Rejected(conv.EventID, a.authFailure)
			continue
		}

		resource, err := a.resolveAction(ctx, a.actionNames[conv.EventType])
		if err != nil {
			outcomes[i] = platform.Rejected(conv.EventID, err.Error())
			if errors.Is(err, platform.ErrActionNotFound) {
				a.log.Warn("Conversion action not found",
					zap.String("event_type", string(conv.EventType)),
					zap.String("event_id", conv.EventID))
			}
			continue
		}

		request.Conversions = append(request.Conversions, clickConversion{
			GCLID:              conv.ClickID,
			ConversionAction:   resource,
			ConversionDateTime: conv.ConversionTime.UTC().Format(dateTimeLayout),
			ConversionValue:    conv.Value,
			CurrencyCode:       a.currencyCode,
			OrderID:            conv.EventID,
			UserIdentifiers:    buildUserIdentifiers(conv),
		})
		included = append(included, i)
	}

	if len(included) == 0 {
		return outcomes
	}

	var resp uploadResponse
	if err := a.client.post(ctx, ":uploadClickConversions", request, &resp); err != nil {
		a.rejectCall(outcomes, batch, included, err)
		return outcomes
	}

	failures := parsePartialFailures(resp.PartialFailureError, "conversions")
	for pos, i := range included {
		if message, failed := failures[pos]; failed {
			outcomes[i] = platform.Rejected(batch[i].EventID, message)
			a.log.Warn("Google Ads rejected conversion",
				zap.String("event_id", batch[i].EventID),
				zap.String("reason", message))
		} else {
			outcomes[i] = platform.Delivered(batch[i].EventID)
		}
	}

	return outcomes
}

// Retract uploads RETRACTION adjustments referencing the original
// submissions' order ids and conversion actions.
func (a *Adapter) Retract(ctx context.Context, retractions []*domain.Retraction) ([]platform.Outcome, error) {
	outcomes := make([]platform.Outcome, 0, len(retractions))

	for _, batch := range platform.Chunk(retractions, batchSize) {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, a.retractBatch(ctx, batch)...)
	}

	return outcomes, nil
}

func (a *Adapter) retractBatch(ctx context.Context, batch []*domain.Retraction) []platform.Outcome {
	outcomes := make([]platform.Outcome, len(batch))

	if a.authFailure != "" {
		for i, adj := range batch {
			outcomes[i] = platform.Rejected(adj.EventID, a.authFailure)
		}
		return outcomes
	}

	request := uploadAdjustmentsRequest{PartialFailure: true}
	var included []int
	for i, adj := range batch {
		if a.authFailure != "" {
			outcomes[i] = platform.Rejected(adj.EventID, a.authFailure)
			continue
		}

		resource, err := a.resolveAction(ctx, adj.OriginalAction)
		if err != nil {
			outcomes[i] = platform.Rejected(adj.EventID, err.Error())
			continue
		}

		request.ConversionAdjustments = append(request.ConversionAdjustments, conversionAdjustment{
			ConversionAction:   resource,
			AdjustmentType:     "RETRACTION",
			OrderID:            adj.OriginalEventID,
			AdjustmentDateTime: adj.RefundTime.UTC().Format(dateTimeLayout),
		})
		included = append(included, i)
	}

	if len(included) == 0 {
		return outcomes
	}

	var resp uploadResponse
	if err := a.client.post(ctx, ":uploadConversionAdjustments", request, &resp); err != nil {
		retractBatchIDs := func(i int) string { return batch[i].EventID }
		a.rejectCallIDs(outcomes, included, retractBatchIDs, err)
		return outcomes
	}

	failures := parsePartialFailures(resp.PartialFailureError, "conversionAdjustments")
	for pos, i := range included {
		if message, failed := failures[pos]; failed {
			outcomes[i] = platform.Rejected(batch[i].EventID, message)
			a.log.Warn("Google Ads rejected retraction",
				zap.String("event_id", batch[i].EventID),
				zap.String("reason", message))
		} else {
			outcomes[i] = platform.Delivered(batch[i].EventID)
		}
	}

	return outcomes
}

// rejectCall converts a whole-call failure into per-item rejections and
// records auth failures so further calls are skipped.
func (a *Adapter) rejectCall(outcomes []platform.Outcome, batch []*platform.Conversion, included []int, err error) {
	a.rejectCallIDs(outcomes, included, func(i int) string { return batch[i].EventID }, err)
}

func (a *Adapter) rejectCallIDs(outcomes []platform.Outcome, included []int, eventID func(int) string, err error) {
	var callErr *callError
	if errors.As(err, &callErr) && callErr.authFailure() {
		a.authFailure = callErr.Error()
		a.log.Error("Google Ads authentication failed, rejecting remaining work", zap.Error(err))
	} else {
		a.log.Error("Google Ads batch call failed", zap.Error(err))
	}

	for _, i := range included {
		outcomes[i] = platform.Rejected(eventID(i), err.Error())
	}
}

// resolveAction resolves an action name through the run-scoped cache.
func (a *Adapter) resolveAction(ctx context.Context, actionName string) (string, error) {
	if actionName == "" {
		return "", platform.ErrActionNotFound
	}
	if resource, ok := a.cache.Get(actionName); ok {
		return resource, nil
	}

	resource, err := a.client.conversionActionResource(ctx, actionName)
	if err != nil {
		var callErr *callError
		if errors.As(err, &callErr) && callErr.authFailure() {
			a.authFailure = callErr.Error()
			a.log.Error("Google Ads authentication failed, rejecting remaining work", zap.Error(err))
		}
		return "", err
	}

	a.cache.Put(actionName, resource)
	return resource, nil
}

func buildUserIdentifiers(conv *platform.Conversion) []userIdentifier {
	var identifiers []userIdentifier

	if conv.HashedEmail != "" {
		identifiers = append(identifiers, userIdentifier{
			UserIdentifierSource: "FIRST_PARTY",
			HashedEmail:          conv.HashedEmail,
		})
	}

	if conv.HashedFirstName != "" || conv.HashedLastName != "" {
		identifiers = append(identifiers, userIdentifier{
			UserIdentifierSource: "FIRST_PARTY",
			AddressInfo: &addressInfo{
				HashedFirstName: conv.HashedFirstName,
				HashedLastName:  conv.HashedLastName,
				City:            conv.City,
				State:           conv.State,
				CountryCode:     conv.CountryCode,
				PostalCode:      conv.PostalCode,
			},
		})
	}

	return identifiers
}

// parsePartialFailures maps request positions to error messages. Google
// reports failures by field path element; the element naming the repeated
// request field carries the operation index. A missing index means
// position zero (proto3 JSON omits zero values).
func parsePartialFailures(status *partialFailureStatus, fieldName string) map[int]string {
	failures := make(map[int]string)
	if status == nil {
		return failures
	}

	for _, detail := range status.Details {
		for _, e := range detail.Errors {
			for _, element := range e.Location.FieldPathElements {
				if element.FieldName != fieldName {
					continue
				}
				index := 0
				if element.Index != nil {
					index = *element.Index
				}
				failures[index] = e.Message
				break
			}
		}
	}

	return failures
}
