package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"

	"github.com/maximilianredt/eforms-conversion-uploader/internal/domain"
)

type Service struct {
	Environment string `envconfig:"SERVICE_ENVIRONMENT" default:"development"`
	APIPort     string `envconfig:"SERVICE_API_PORT" default:"8080"`
}

type ClickHouse struct {
	Host            string `envconfig:"CLICKHOUSE_HOST" required:"true"`
	Port            string `envconfig:"CLICKHOUSE_PORT" required:"true"`
	Database        string `envconfig:"CLICKHOUSE_DB" required:"true"`
	User            string `envconfig:"CLICKHOUSE_USER" default:""`
	Password        string `envconfig:"CLICKHOUSE_PASSWORD" default:""`
	UseTLS          bool   `envconfig:"CLICKHOUSE_USE_TLS" default:"false"`
	MaxOpenConns    int    `envconfig:"CLICKHOUSE_MAX_OPEN_CONNS" default:"5"`
	MaxIdleConns    int    `envconfig:"CLICKHOUSE_MAX_IDLE_CONNS" default:"2"`
	ConnMaxLifetime int    `envconfig:"CLICKHOUSE_CONN_MAX_LIFETIME_SEC" default:"3600"`
}

type GoogleAds struct {
	DeveloperToken     string `envconfig:"GOOGLE_ADS_DEVELOPER_TOKEN"`
	SAKeyPath          string `envconfig:"GOOGLE_ADS_SA_KEY_PATH" default:"google_ads_sa_key.json"`
	SAEmail            string `envconfig:"GOOGLE_ADS_SA_EMAIL"`
	CustomerID         string `envconfig:"GOOGLE_ADS_CUSTOMER_ID"`
	LoginCustomerID    string `envconfig:"GOOGLE_ADS_LOGIN_CUSTOMER_ID"`
	TrialStartAction   string `envconfig:"GADS_TRIAL_START_ACTION" default:"Trial Start DWH"`
	MonthlySubAction   string `envconfig:"GADS_MONTHLY_SUB_ACTION" default:"Monthly Subscription DWH"`
	YearlySubAction    string `envconfig:"GADS_YEARLY_SUB_ACTION" default:"Yearly Subscription DWH"`
	DocPurchaseAction  string `envconfig:"GADS_DOC_PURCHASE_ACTION" default:"Document Purchase DWH"`
	ChatPurchaseAction string `envconfig:"GADS_CHAT_PURCHASE_ACTION" default:"Chat Purchase DWH"`
}

type MicrosoftAds struct {
	CAPITagID        string `envconfig:"MS_CAPI_TAG_ID"`
	CAPIToken        string `envconfig:"MS_CAPI_TOKEN"`
	UseLegacySOAP    bool   `envconfig:"MSADS_USE_LEGACY_SOAP" default:"false"`
	DeveloperToken   string `envconfig:"MS_DEV_TOKEN"`
	AccountID        string `envconfig:"MS_ACCOUNT_ID"`
	CustomerID       string `envconfig:"MS_CUSTOMER_ID"`
	AccessToken      string `envconfig:"MS_ACCESS_TOKEN"`
	TrialStartGoal   string `envconfig:"MSADS_TRIAL_START_GOAL" default:"UET Trial Start"`
	MonthlySubGoal   string `envconfig:"MSADS_MONTHLY_SUB_GOAL" default:"UET Monthly Subscription"`
	YearlySubGoal    string `envconfig:"MSADS_YEARLY_SUB_GOAL" default:"UET Yearly Subscription"`
	DocPurchaseGoal  string `envconfig:"MSADS_DOC_PURCHASE_GOAL" default:"UET Document Purchase"`
	ChatPurchaseGoal string `envconfig:"MSADS_CHAT_PURCHASE_GOAL" default:"UET Chat Purchase"`
}

type Uploader struct {
	LookbackDays              int    `envconfig:"LOOKBACK_DAYS" default:"30"`
	MaxRetries                int    `envconfig:"MAX_RETRIES" default:"3"`
	SendRenewalPayments       bool   `envconfig:"SEND_RENEWAL_PAYMENTS" default:"false"`
	DryRun                    bool   `envconfig:"DRY_RUN" default:"false"`
	CurrencyCode              string `envconfig:"CURRENCY_CODE" default:"USD"`
	EnableEnhancedConversions bool   `envconfig:"ENABLE_ENHANCED_CONVERSIONS" default:"true"`
}

type SQS struct {
	Endpoint string `envconfig:"SQS_ENDPOINT"`
	QueueURL string `envconfig:"SQS_SUMMARY_QUEUE_URL"`
	Region   string `envconfig:"SQS_REGION" default:"us-east-1"`
}

type Config struct {
	Service      Service
	ClickHouse   ClickHouse
	GoogleAds    GoogleAds
	MicrosoftAds MicrosoftAds
	Uploader     Uploader
	SQS          SQS
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the platform credentials that are only required for live
// (non dry-run) runs.
func (c *Config) Validate() error {
	if c.Uploader.DryRun {
		return nil
	}

	type requiredVar struct {
		name  string
		value string
	}

	required := []requiredVar{
		{"GOOGLE_ADS_DEVELOPER_TOKEN", c.GoogleAds.DeveloperToken},
		{"GOOGLE_ADS_SA_EMAIL", c.GoogleAds.SAEmail},
		{"GOOGLE_ADS_CUSTOMER_ID", c.GoogleAds.CustomerID},
		{"GOOGLE_ADS_LOGIN_CUSTOMER_ID", c.GoogleAds.LoginCustomerID},
	}
	if c.MicrosoftAds.UseLegacySOAP {
		required = append(required,
			requiredVar{"MS_DEV_TOKEN", c.MicrosoftAds.DeveloperToken},
			requiredVar{"MS_ACCOUNT_ID", c.MicrosoftAds.AccountID},
			requiredVar{"MS_ACCESS_TOKEN", c.MicrosoftAds.AccessToken})
	} else {
		required = append(required,
			requiredVar{"MS_CAPI_TAG_ID", c.MicrosoftAds.CAPITagID},
			requiredVar{"MS_CAPI_TOKEN", c.MicrosoftAds.CAPIToken})
	}

	for _, v := range required {
		if v.value == "" {
			return fmt.Errorf("missing required environment variable: %s", v.name)
		}
	}

	return nil
}

var conversionEventTypes = []domain.EventType{
	domain.EventTrialStart,
	domain.EventMonthlySubscription,
	domain.EventYearlySubscription,
	domain.EventDocumentPurchase,
	domain.EventChatPurchase,
}

// GoogleActionNames returns the full event-type to conversion-action map for
// Google Ads.
func (c *Config) GoogleActionNames() map[domain.EventType]string {
	names := make(map[domain.EventType]string, len(conversionEventTypes))
	for _, t := range conversionEventTypes {
		names[t] = c.GoogleActionName(t)
	}
	return names
}

// MicrosoftGoalNames returns the full event-type to conversion-goal map for
// Microsoft Ads.
func (c *Config) MicrosoftGoalNames() map[domain.EventType]string {
	names := make(map[domain.EventType]string, len(conversionEventTypes))
	for _, t := range conversionEventTypes {
		names[t] = c.MicrosoftGoalName(t)
	}
	return names
}

// ActionNames returns the per-platform action name maps.
func (c *Config) ActionNames() map[domain.Platform]map[domain.EventType]string {
	return map[domain.Platform]map[domain.EventType]string{
		domain.PlatformGoogleAds:    c.GoogleActionNames(),
		domain.PlatformMicrosoftAds: c.MicrosoftGoalNames(),
	}
}

// GoogleActionName maps an event type to the configured Google Ads
// conversion action name.
func (c *Config) GoogleActionName(t domain.EventType) string {
	switch t {
	case domain.EventTrialStart:
		return c.GoogleAds.TrialStartAction
	case domain.EventMonthlySubscription:
		return c.GoogleAds.MonthlySubAction
	case domain.EventYearlySubscription:
		return c.GoogleAds.YearlySubAction
	case domain.EventDocumentPurchase:
		return c.GoogleAds.DocPurchaseAction
	case domain.EventChatPurchase:
		return c.GoogleAds.ChatPurchaseAction
	}
	return ""
}

// MicrosoftGoalName maps an event type to the configured Microsoft Ads
// conversion goal name.
func (c *Config) MicrosoftGoalName(t domain.EventType) string {
	switch t {
	case domain.EventTrialStart:
		return c.MicrosoftAds.TrialStartGoal
	case domain.EventMonthlySubscription:
		return c.MicrosoftAds.MonthlySubGoal
	case domain.EventYearlySubscription:
		return c.MicrosoftAds.YearlySubGoal
	case domain.EventDocumentPurchase:
		return c.MicrosoftAds.DocPurchaseGoal
	case domain.EventChatPurchase:
		return c.MicrosoftAds.ChatPurchaseGoal
	}
	return ""
}
