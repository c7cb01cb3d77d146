// Package googleads implements the platform adapter for the Google Ads API:
// offline click conversions, conversion retractions, and conversion-action
// resource resolution.
package googleads

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/google"

	"github.com/maximilianredt/eforms-conversion-uploader/internal/config"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/platform"
)

const (
	defaultBaseURL = "https://googleads.googleapis.com/v17"
	adwordsScope   = "https://www.googleapis.com/auth/adwords"
	callTimeout    = 60 * time.Second
)

// Client is an authenticated Google Ads REST client.
type Client struct {
	httpClient      *http.Client
	baseURL         string
	customerID      string
	loginCustomerID string
	developerToken  string
	log             *zap.Logger
}

// NewClient builds a client authenticated via a service account key with
// domain-wide delegation to the configured subject.
func NewClient(ctx context.Context, cfg *config.GoogleAds, log *zap.Logger) (*Client, error) {
	keyJSON, err := os.ReadFile(cfg.SAKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read service account key %s: %w", cfg.SAKeyPath, err)
	}

	jwtConfig, err := google.JWTConfigFromJSON(keyJSON, adwordsScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account key: %w", err)
	}
	jwtConfig.Subject = cfg.SAEmail

	// The oauth2 client ships without a timeout; the run is single-threaded,
	// so a hung call would stall every remaining category.
	httpClient := jwtConfig.Client(ctx)
	httpClient.Timeout = callTimeout

	log.Info("Google Ads client initialized",
		zap.String("customer_id", cfg.CustomerID),
		zap.String("login_customer_id", cfg.LoginCustomerID))

	return &Client{
		httpClient:      httpClient,
		baseURL:         defaultBaseURL,
		customerID:      cfg.CustomerID,
		loginCustomerID: cfg.LoginCustomerID,
		developerToken:  cfg.DeveloperToken,
		log:             log,
	}, nil
}

// apiError is the REST error envelope returned on non-2xx responses.
type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// callError carries the HTTP status so callers can distinguish auth failures
// from transient rejections.
type callError struct {
	statusCode int
	message    string
}

func (e *callError) Error() string {
	return fmt.Sprintf("google ads api error (HTTP %d): %s", e.statusCode, e.message)
}

func (e *callError) authFailure() bool {
	return e.statusCode == http.StatusUnauthorized || e.statusCode == http.StatusForbidden
}

// post sends a JSON request to a customer-scoped endpoint and decodes the
// response into out.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/customers/%s%s", c.baseURL, c.customerID, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("developer-token", c.developerToken)
	req.Header.Set("login-customer-id", c.loginCustomerID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("google ads request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read google ads response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		message := strings.TrimSpace(string(respBody))
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error.Message != "" {
			message = apiErr.Error.Message
		}
		return &callError{statusCode: resp.StatusCode, message: message}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unexpected google ads response shape: %w", err)
	}

	return nil
}

type searchRequest struct {
	Query string `json:"query"`
}

type searchResponse struct {
	Results []struct {
		ConversionAction struct {
			ResourceName string `json:"resourceName"`
			Name         string `json:"name"`
		} `json:"conversionAction"`
	} `json:"results"`
}

// conversionActionResource resolves a conversion action name to its resource
// name via a GAQL search. A miss is an ErrActionNotFound.
func (c *Client) conversionActionResource(ctx context.Context, actionName string) (string, error) {
	query := fmt.Sprintf(
		"SELECT conversion_action.resource_name, conversion_action.name FROM conversion_action WHERE conversion_action.name = '%s'",
		strings.ReplaceAll(actionName, "'", "\\'"),
	)

	var resp searchResponse
	if err := c.post(ctx, "/googleAds:search", searchRequest{Query: query}, &resp); err != nil {
		return "", fmt.Errorf("conversion action lookup for %q failed: %w", actionName, err)
	}

	for _, result := range resp.Results {
		if result.ConversionAction.ResourceName != "" {
			return result.ConversionAction.ResourceName, nil
		}
	}

	return "", fmt.Errorf("conversion action %q in account %s: %w", actionName, c.customerID, platform.ErrActionNotFound)
}
