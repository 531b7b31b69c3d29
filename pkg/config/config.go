package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
)

// API types
const (
	APITypeBulk = "BULK"
	APITypeREST = "REST"
)

// Platform constants
const (
	DefaultAPIVersion         = "52.0"
	DefaultQuotaPercentTotal  = 80.0
	DefaultQuotaPercentPerRun = 25.0
	DefaultChunkSize          = 100000
	MaxChunkSize              = 250000
	DefaultLookbackSeconds    = 10
	DefaultWindowRetries      = 3
	DefaultPollInterval       = 20 * time.Second
)

// TapConfig is built once at startup and handed to every component constructor.
type TapConfig struct {
	// OAuth refresh-token flow
	RefreshToken string `mapstructure:"refresh_token" yaml:"refresh_token" json:"refresh_token"`
	ClientID     string `mapstructure:"client_id" yaml:"client_id" json:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret" json:"client_secret"`

	// SOAP password flow
	Username      string `mapstructure:"username" yaml:"username" json:"username"`
	Password      string `mapstructure:"password" yaml:"password" json:"password"`
	SecurityToken string `mapstructure:"security_token" yaml:"security_token" json:"security_token"`

	StartDate             string  `mapstructure:"start_date" yaml:"start_date" json:"start_date"`
	IsSandbox             bool    `mapstructure:"is_sandbox" yaml:"is_sandbox" json:"is_sandbox"`
	APIType               string  `mapstructure:"api_type" yaml:"api_type" json:"api_type"`
	APIVersion            string  `mapstructure:"api_version" yaml:"api_version" json:"api_version"`
	SelectFieldsByDefault bool    `mapstructure:"select_fields_by_default" yaml:"select_fields_by_default" json:"select_fields_by_default"`
	QuotaPercentTotal     float64 `mapstructure:"quota_percent_total" yaml:"quota_percent_total" json:"quota_percent_total"`
	QuotaPercentPerRun    float64 `mapstructure:"quota_percent_per_run" yaml:"quota_percent_per_run" json:"quota_percent_per_run"`
	// ChunkSize bounds the Id range of one PK-chunked bulk batch
	ChunkSize int `mapstructure:"chunk_size" yaml:"chunk_size" json:"chunk_size"`
	// PKChunking splits every bulk job on a keyed stream into Id-range batches
	PKChunking bool `mapstructure:"pk_chunking" yaml:"pk_chunking" json:"pk_chunking"`
	// LookbackWindow in seconds
	LookbackWindow int `mapstructure:"lookback_window" yaml:"lookback_window" json:"lookback_window"`
	// WindowRetries bounds how often a timed-out date window may be split; 0 never splits
	WindowRetries int           `mapstructure:"window_retries" yaml:"window_retries" json:"window_retries"`
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval"`

	Reliability   ReliabilityConfig   `mapstructure:"reliability" yaml:"reliability" json:"reliability"`
	Timeouts      TimeoutConfig       `mapstructure:"timeouts" yaml:"timeouts" json:"timeouts"`
	State         StateConfig         `mapstructure:"state" yaml:"state" json:"state"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability" json:"observability"`

	startTime time.Time
}

// ReliabilityConfig contains retry and pacing settings for API calls.
type ReliabilityConfig struct {
	// RetryAttempts caps attempts for transient failures
	RetryAttempts int `mapstructure:"retry_attempts" yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay" json:"retry_delay"`
	// MaxRetryDelay caps the maximum retry delay
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay" json:"max_retry_delay"`
	// RateLimitPerSec paces outbound requests (0 = unlimited)
	RateLimitPerSec float64 `mapstructure:"rate_limit_per_sec" yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
}

// TimeoutConfig contains HTTP timeouts.
type TimeoutConfig struct {
	Request    time.Duration `mapstructure:"request" yaml:"request" json:"request"`
	Connection time.Duration `mapstructure:"connection" yaml:"connection" json:"connection"`
	Idle       time.Duration `mapstructure:"idle" yaml:"idle" json:"idle"`
}

// StateConfig selects where bookmarks are persisted besides STATE messages.
type StateConfig struct {
	// Backend is "" (messages only), "file" or "s3"
	Backend string `mapstructure:"backend" yaml:"backend" json:"backend"`
	Path    string `mapstructure:"path" yaml:"path" json:"path"`
	Bucket  string `mapstructure:"bucket" yaml:"bucket" json:"bucket"`
	Key     string `mapstructure:"key" yaml:"key" json:"key"`
	Region  string `mapstructure:"region" yaml:"region" json:"region"`
}

// ObservabilityConfig contains logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	MetricsAddr       string  `mapstructure:"metrics_addr" yaml:"metrics_addr" json:"metrics_addr"`
	EnableTracing     bool    `mapstructure:"enable_tracing" yaml:"enable_tracing" json:"enable_tracing"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate" yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
}

// NewTapConfig returns a configuration populated with defaults and no credentials.
func NewTapConfig() *TapConfig {
	return &TapConfig{
		APIType:            APITypeBulk,
		APIVersion:         DefaultAPIVersion,
		QuotaPercentTotal:  DefaultQuotaPercentTotal,
		QuotaPercentPerRun: DefaultQuotaPercentPerRun,
		ChunkSize:          DefaultChunkSize,
		LookbackWindow:     DefaultLookbackSeconds,
		WindowRetries:      DefaultWindowRetries,
		PollInterval:       DefaultPollInterval,
		Reliability: ReliabilityConfig{
			RetryAttempts: 5,
			RetryDelay:    time.Second,
			MaxRetryDelay: time.Minute,
		},
		Timeouts: TimeoutConfig{
			Request:    5 * time.Minute,
			Connection: 30 * time.Second,
			Idle:       90 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			TracingSampleRate: 1.0,
		},
	}
}

// ApplyDefaults fills values Singer configs commonly leave zero or empty.
func (c *TapConfig) ApplyDefaults() {
	c.APIType = strings.ToUpper(strings.TrimSpace(c.APIType))
	if c.APIType == "" {
		c.APIType = APITypeBulk
	}
	if c.APIVersion == "" {
		c.APIVersion = DefaultAPIVersion
	}
	if c.QuotaPercentTotal == 0 {
		c.QuotaPercentTotal = DefaultQuotaPercentTotal
	}
	if c.QuotaPercentPerRun == 0 {
		c.QuotaPercentPerRun = DefaultQuotaPercentPerRun
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkSize > MaxChunkSize {
		c.ChunkSize = MaxChunkSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Reliability.RetryAttempts <= 0 {
		c.Reliability.RetryAttempts = 1
	}
	if c.State.Backend == "" && c.State.Path != "" {
		c.State.Backend = "file"
	}
}

// Validate checks the configuration and parses start_date.
func (c *TapConfig) Validate() error {
	oauth := c.RefreshToken != "" || c.ClientID != "" || c.ClientSecret != ""
	password := c.Username != "" || c.Password != ""

	switch {
	case oauth && password:
		return errors.New(errors.ErrorTypeConfig, "refresh_token/client_id/client_secret and username/password are mutually exclusive")
	case oauth:
		if c.RefreshToken == "" || c.ClientID == "" || c.ClientSecret == "" {
			return errors.New(errors.ErrorTypeConfig, "refresh_token, client_id and client_secret are all required for OAuth")
		}
	case password:
		if c.Username == "" || c.Password == "" {
			return errors.New(errors.ErrorTypeConfig, "username and password are both required for the password flow")
		}
	default:
		return errors.New(errors.ErrorTypeConfig, "no credentials configured")
	}

	if c.StartDate == "" {
		return errors.New(errors.ErrorTypeConfig, "start_date is required")
	}
	start, err := ParseTime(c.StartDate)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "start_date is not ISO-8601")
	}
	c.startTime = start

	if c.APIType != APITypeBulk && c.APIType != APITypeREST {
		return errors.Newf(errors.ErrorTypeConfig, "api_type must be %s or %s, got %q", APITypeBulk, APITypeREST, c.APIType)
	}
	if c.QuotaPercentTotal <= 0 || c.QuotaPercentTotal > 100 {
		return errors.Newf(errors.ErrorTypeConfig, "quota_percent_total must be in (0, 100], got %v", c.QuotaPercentTotal)
	}
	if c.QuotaPercentPerRun <= 0 || c.QuotaPercentPerRun > 100 {
		return errors.Newf(errors.ErrorTypeConfig, "quota_percent_per_run must be in (0, 100], got %v", c.QuotaPercentPerRun)
	}
	if c.ChunkSize < 0 {
		return errors.Newf(errors.ErrorTypeConfig, "chunk_size cannot be negative, got %d", c.ChunkSize)
	}
	if c.LookbackWindow < 0 {
		return errors.Newf(errors.ErrorTypeConfig, "lookback_window cannot be negative, got %d", c.LookbackWindow)
	}
	if c.WindowRetries < 0 {
		return errors.Newf(errors.ErrorTypeConfig, "window_retries cannot be negative, got %d", c.WindowRetries)
	}
	if c.Reliability.RateLimitPerSec < 0 {
		return errors.New(errors.ErrorTypeConfig, "rate_limit_per_sec cannot be negative")
	}

	switch c.State.Backend {
	case "":
	case "file":
		if c.State.Path == "" {
			return errors.New(errors.ErrorTypeConfig, "state.path is required for the file backend")
		}
	case "s3":
		if c.State.Bucket == "" || c.State.Key == "" {
			return errors.New(errors.ErrorTypeConfig, "state.bucket and state.key are required for the s3 backend")
		}
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown state backend %q", c.State.Backend)
	}
	return nil
}

// UsesOAuth reports whether the refresh-token flow is configured.
func (c *TapConfig) UsesOAuth() bool {
	return c.RefreshToken != ""
}

// IsBulk reports whether extraction uses the Bulk API.
func (c *TapConfig) IsBulk() bool {
	return c.APIType == APITypeBulk
}

// LoginURL is the host serving OAuth and SOAP logins.
func (c *TapConfig) LoginURL() string {
	if c.IsSandbox {
		return "https://test.salesforce.com"
	}
	return "https://login.salesforce.com"
}

// StartTime is the parsed start_date; valid after Validate.
func (c *TapConfig) StartTime() time.Time {
	return c.startTime
}

// Lookback is the lookback window as a duration.
func (c *TapConfig) Lookback() time.Duration {
	return time.Duration(c.LookbackWindow) * time.Second
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime parses the ISO-8601 variants Salesforce and Singer state files use.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
