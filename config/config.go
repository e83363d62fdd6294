// Package config loads service settings from an optional YAML file and
// DEALFLOW_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"dealflow/db"
	"dealflow/document"
	"dealflow/intent"
	"dealflow/rules"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment key.
const EnvPrefix = "DEALFLOW"

// FileEnv names the variable pointing at a YAML config file.
const FileEnv = "DEALFLOW_CONFIG"

const (
	KeyDatabaseURL          = "database_url"
	KeyJWTSecret            = "jwt_secret"
	KeyHTTPAddr             = "http_addr"
	KeyLogMode              = "log_mode"
	KeyValueThreshold       = "rules.value_threshold"
	KeyAfterRepairThreshold = "rules.after_repair_threshold"
	KeyCostTable            = "rules.cost_table"
	KeyClassifierTimeout    = "intent.classifier_timeout"
	KeyAnthropicAPIKey      = "anthropic.api_key"
	KeyAnthropicModel       = "anthropic.model"
	KeyTelemetryEnabled     = "telemetry.enabled"
	KeyDocumentsEnforced    = "documents.enforced"
	KeyDocumentsRequired    = "documents.required"
	KeyPoolMaxConns         = "db.max_conns"
	KeyPoolMaxConnIdleTime  = "db.max_conn_idle_time"
	KeyPoolMaxConnLifetime  = "db.max_conn_lifetime"
)

const (
	defaultHTTPAddr            = ":8080"
	defaultLogMode             = "dev"
	defaultPoolMaxConnIdleTime = 5 * time.Minute
)

// ErrInvalid wraps every validation failure from Load.
var ErrInvalid = errors.New("config: invalid")

// Config is the resolved service configuration.
type Config struct {
	DatabaseURL       string
	JWTSecret         string
	HTTPAddr          string
	LogMode           string
	Thresholds        rules.Thresholds
	CostTable         rules.CostTable
	ClassifierTimeout time.Duration
	AnthropicAPIKey   string
	AnthropicModel    string
	TelemetryEnabled  bool
	DocumentsEnforced bool
	DocumentsRequired []string
	Pool              db.PoolOptions
}

// New returns a viper instance with defaults and environment binding set up.
// A file named by DEALFLOW_CONFIG is read when present.
func New() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyHTTPAddr, defaultHTTPAddr)
	v.SetDefault(KeyLogMode, defaultLogMode)
	v.SetDefault(KeyValueThreshold, rules.DefaultValueThreshold.String())
	v.SetDefault(KeyAfterRepairThreshold, rules.DefaultAfterRepairThreshold.String())
	v.SetDefault(KeyClassifierTimeout, intent.DefaultTimeout)
	v.SetDefault(KeyAnthropicModel, intent.DefaultModel)
	v.SetDefault(KeyTelemetryEnabled, false)
	v.SetDefault(KeyDocumentsEnforced, false)
	v.SetDefault(KeyDocumentsRequired, document.DefaultRequiredKinds)
	v.SetDefault(KeyPoolMaxConns, 0)
	v.SetDefault(KeyPoolMaxConnIdleTime, defaultPoolMaxConnIdleTime)
	v.SetDefault(KeyPoolMaxConnLifetime, time.Duration(0))

	if path := os.Getenv(FileEnv); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return v, nil
}

// Load resolves the configuration from the environment.
func Load() (Config, error) {
	v, err := New()
	if err != nil {
		return Config{}, err
	}
	return FromViper(v)
}

// FromViper resolves and validates a Config from v.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		DatabaseURL:       v.GetString(KeyDatabaseURL),
		JWTSecret:         v.GetString(KeyJWTSecret),
		HTTPAddr:          v.GetString(KeyHTTPAddr),
		LogMode:           v.GetString(KeyLogMode),
		ClassifierTimeout: v.GetDuration(KeyClassifierTimeout),
		AnthropicAPIKey:   v.GetString(KeyAnthropicAPIKey),
		AnthropicModel:    v.GetString(KeyAnthropicModel),
		TelemetryEnabled:  v.GetBool(KeyTelemetryEnabled),
		DocumentsEnforced: v.GetBool(KeyDocumentsEnforced),
		DocumentsRequired: kinds(v.GetStringSlice(KeyDocumentsRequired)),
		Pool: db.PoolOptions{
			MaxConns:        v.GetInt32(KeyPoolMaxConns),
			MaxConnIdleTime: v.GetDuration(KeyPoolMaxConnIdleTime),
			MaxConnLifetime: v.GetDuration(KeyPoolMaxConnLifetime),
		},
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.AnthropicAPIKey == "" {
		cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	var err error
	if cfg.Thresholds.Value, err = threshold(v, KeyValueThreshold); err != nil {
		return Config{}, err
	}
	if cfg.Thresholds.AfterRepair, err = threshold(v, KeyAfterRepairThreshold); err != nil {
		return Config{}, err
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if cfg.CostTable, err = costTable(v); err != nil {
		return Config{}, err
	}
	if cfg.ClassifierTimeout <= 0 {
		return Config{}, fmt.Errorf("%w: %s must be positive", ErrInvalid, KeyClassifierTimeout)
	}
	if cfg.Pool.MaxConns < 0 {
		return Config{}, fmt.Errorf("%w: %s must not be negative", ErrInvalid, KeyPoolMaxConns)
	}
	return cfg, nil
}

// RequireServer checks the settings only the API server needs.
func (c Config) RequireServer() error {
	switch {
	case c.DatabaseURL == "":
		return fmt.Errorf("%w: %s (or DATABASE_URL) is required", ErrInvalid, KeyDatabaseURL)
	case c.JWTSecret == "":
		return fmt.Errorf("%w: %s is required", ErrInvalid, KeyJWTSecret)
	}
	return nil
}

func threshold(v *viper.Viper, key string) (decimal.Decimal, error) {
	raw := strings.TrimSpace(v.GetString(key))
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s=%q is not a number", ErrInvalid, key, raw)
	}
	return d, nil
}

// costTable reads rules.cost_table as a YAML map or as "tag=cost,..." from the
// environment. When unset the default price list applies.
func costTable(v *viper.Viper) (rules.CostTable, error) {
	entries := map[string]string{}
	switch raw := v.Get(KeyCostTable).(type) {
	case nil:
		return rules.DefaultCostTable(), nil
	case string:
		for _, pair := range strings.Split(raw, ",") {
			if strings.TrimSpace(pair) == "" {
				continue
			}
			tag, cost, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, fmt.Errorf("%w: %s entry %q is not tag=cost", ErrInvalid, KeyCostTable, pair)
			}
			entries[tag] = cost
		}
	default:
		entries = v.GetStringMapString(KeyCostTable)
	}

	table := make(rules.CostTable, len(entries))
	for tag, raw := range entries {
		cost, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s=%q is not a number", ErrInvalid, KeyCostTable, tag, raw)
		}
		table[strings.ToLower(strings.TrimSpace(tag))] = cost
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return table, nil
}

// kinds accepts both a YAML list and a comma separated environment value.
func kinds(raw []string) []string {
	var out []string
	for _, item := range raw {
		for _, k := range strings.Split(item, ",") {
			if k = strings.TrimSpace(k); k != "" {
				out = append(out, k)
			}
		}
	}
	return out
}
