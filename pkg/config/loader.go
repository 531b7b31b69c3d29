package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. TAP_SALESFORCE_START_DATE.
const EnvPrefix = "TAP_SALESFORCE"

// Load reads, defaults and validates a config file (JSON or YAML).
func Load(filePath string) (*TapConfig, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: path comes from the --config flag
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(filePath)), ".")
	if format != "yaml" && format != "yml" {
		format = "json"
	}
	return LoadFromReader(bytes.NewReader(data), format)
}

// LoadFromReader parses config content of the given format ("json" or "yaml").
func LoadFromReader(r io.Reader, format string) (*TapConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType(format)

	if err := v.ReadConfig(strings.NewReader(substituteEnvVars(string(raw)))); err != nil {
		return nil, fmt.Errorf("failed to parse %s config: %w", format, err)
	}

	cfg := &TapConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys absent from the file.
func setDefaults(v *viper.Viper) {
	d := NewTapConfig()

	for _, key := range []string{
		"refresh_token", "client_id", "client_secret",
		"username", "password", "security_token", "start_date",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("is_sandbox", false)
	v.SetDefault("select_fields_by_default", false)
	v.SetDefault("pk_chunking", false)
	v.SetDefault("api_type", d.APIType)
	v.SetDefault("api_version", d.APIVersion)
	v.SetDefault("quota_percent_total", d.QuotaPercentTotal)
	v.SetDefault("quota_percent_per_run", d.QuotaPercentPerRun)
	v.SetDefault("chunk_size", d.ChunkSize)
	v.SetDefault("lookback_window", d.LookbackWindow)
	v.SetDefault("window_retries", d.WindowRetries)
	v.SetDefault("poll_interval", d.PollInterval)

	v.SetDefault("reliability.retry_attempts", d.Reliability.RetryAttempts)
	v.SetDefault("reliability.retry_delay", d.Reliability.RetryDelay)
	v.SetDefault("reliability.max_retry_delay", d.Reliability.MaxRetryDelay)
	v.SetDefault("reliability.rate_limit_per_sec", d.Reliability.RateLimitPerSec)

	v.SetDefault("timeouts.request", d.Timeouts.Request)
	v.SetDefault("timeouts.connection", d.Timeouts.Connection)
	v.SetDefault("timeouts.idle", d.Timeouts.Idle)

	v.SetDefault("state.backend", "")
	v.SetDefault("state.path", "")
	v.SetDefault("state.bucket", "")
	v.SetDefault("state.key", "")
	v.SetDefault("state.region", "")

	v.SetDefault("observability.log_level", d.Observability.LogLevel)
	v.SetDefault("observability.metrics_addr", "")
	v.SetDefault("observability.enable_tracing", false)
	v.SetDefault("observability.tracing_sample_rate", d.Observability.TracingSampleRate)
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		b.WriteString(content[:start])
		b.WriteString(os.Getenv(content[start+2 : end]))
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}
