package voxpoll

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/voxpoll/pkg/configutil"
	"github.com/harunnryd/voxpoll/pkg/events"
	"github.com/harunnryd/voxpoll/pkg/orchestrator"
	"github.com/spf13/viper"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Dialogue      DialogueConfig      `mapstructure:"dialogue"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Events        EventsConfig        `mapstructure:"events"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	DrainTimeout  time.Duration       `mapstructure:"drain_timeout"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	LLM VendorConfig `mapstructure:"llm"`
}

// LLMConfig tunes the decorator chain around whichever provider is selected.
type LLMConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	BackoffJitter     float64       `mapstructure:"backoff_jitter"`
	BreakerThreshold  int           `mapstructure:"breaker_threshold"`
	BreakerCooldown   time.Duration `mapstructure:"breaker_cooldown"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type DialogueConfig struct {
	SessionTTL      time.Duration       `mapstructure:"session_ttl"`
	JanitorSchedule string              `mapstructure:"janitor_schedule"`
	Orchestrator    orchestrator.Config `mapstructure:"orchestrator"`
}

type DatabaseConfig struct {
	DSN     string `mapstructure:"dsn"`
	Verbose bool   `mapstructure:"verbose"`
}

type EventsConfig struct {
	Bus           string        `mapstructure:"bus"`
	NATSURL       string        `mapstructure:"nats_url"`
	JetStream     bool          `mapstructure:"jetstream"`
	Topic         string        `mapstructure:"topic"`
	Source        string        `mapstructure:"source"`
	Ledger        string        `mapstructure:"ledger"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	LedgerPrefix  string        `mapstructure:"ledger_prefix"`
	LedgerTTL     time.Duration `mapstructure:"ledger_ttl"`
}

type ObservabilityConfig struct {
	MetricsPath string  `mapstructure:"metrics_path"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	AsyncBuffer int     `mapstructure:"async_buffer"`
	LogEvents   bool    `mapstructure:"log_events"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("drain_timeout", "30s")
	v.SetDefault("vendors.llm.provider", "openai")
	v.SetDefault("llm.timeout", "30s")
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.backoff_base", "250ms")
	v.SetDefault("llm.backoff_max", "5s")
	v.SetDefault("llm.backoff_jitter", 0.2)
	v.SetDefault("llm.breaker_threshold", 5)
	v.SetDefault("llm.breaker_cooldown", "30s")
	v.SetDefault("llm.requests_per_second", 0)
	v.SetDefault("llm.burst", 1)
	v.SetDefault("transports.provider", "twilio")
	v.SetDefault("dialogue.session_ttl", "30m")
	v.SetDefault("dialogue.janitor_schedule", "@every 1m")
	v.SetDefault("database.dsn", "voxpoll.db")
	v.SetDefault("database.verbose", false)
	v.SetDefault("events.bus", "log")
	v.SetDefault("events.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("events.jetstream", false)
	v.SetDefault("events.topic", events.DefaultTopic)
	v.SetDefault("events.source", "voxpoll")
	v.SetDefault("events.ledger", "memory")
	v.SetDefault("events.redis_addr", "127.0.0.1:6379")
	v.SetDefault("events.ledger_ttl", "168h")
	v.SetDefault("observability.sample_rate", 1.0)
	v.SetDefault("observability.async_buffer", 2048)
	v.SetDefault("observability.log_events", false)
	v.SetDefault("privacy.redact_pii", true)
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return decodeConfig(v)
}

func decodeConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	c.Events.Bus = strings.ToLower(strings.TrimSpace(c.Events.Bus))
	c.Events.Ledger = strings.ToLower(strings.TrimSpace(c.Events.Ledger))
	if err := configutil.RequireString(c.Vendors.LLM.Provider, "vendors.llm.provider"); err != nil {
		return err
	}
	if err := configutil.OneOf(c.Transports.Provider, "transports.provider", "twilio"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Database.DSN, "database.dsn"); err != nil {
		return err
	}
	if err := configutil.OneOf(c.Events.Bus, "events.bus", "nats", "log", "memory"); err != nil {
		return err
	}
	if err := configutil.OneOf(c.Events.Ledger, "events.ledger", "redis", "memory"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Events.Topic, "events.topic"); err != nil {
		return err
	}
	if c.Events.Bus == "nats" {
		if err := configutil.RequireString(c.Events.NATSURL, "events.nats_url"); err != nil {
			return err
		}
	}
	if c.Events.Ledger == "redis" {
		if err := configutil.RequireString(c.Events.RedisAddr, "events.redis_addr"); err != nil {
			return err
		}
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return fmt.Errorf("observability.sample_rate must be within [0,1], got %v", c.Observability.SampleRate)
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		return expandSettings(val)
	default:
		return v
	}
}

// expandValue walks exported string fields. Settings maps are handled by expandSettings.
func expandValue(v reflect.Value) {
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			expandValue(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() && strings.Contains(v.String(), "$") {
			v.SetString(os.ExpandEnv(v.String()))
		}
	}
}
