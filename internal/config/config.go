// Package config loads and validates portfolio monitor configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Scan        ScanConfig        `mapstructure:"scan"`
	Probe       ProbeConfig       `mapstructure:"probe"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	Extract     ExtractConfig     `mapstructure:"extract"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	DB          DBConfig          `mapstructure:"db"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ScanConfig governs batch selection, pacing and scheduling.
type ScanConfig struct {
	DefaultBatchLimit int           `mapstructure:"default_batch_limit"`
	MaxBatchLimit     int           `mapstructure:"max_batch_limit"`
	Caller            string        `mapstructure:"caller"`
	Interval          time.Duration `mapstructure:"interval"`
	Pacing            PacingConfig  `mapstructure:"pacing"`
}

// PacingConfig selects the inter-target delay policy.
type PacingConfig struct {
	Policy string        `mapstructure:"policy"`
	Delay  time.Duration `mapstructure:"delay"`
	RPS    float64       `mapstructure:"rps"`
	Burst  int           `mapstructure:"burst"`
}

// ProbeConfig configures the validator HEAD probe and the direct fetcher.
type ProbeConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RespectRobots bool          `mapstructure:"respect_robots"`
}

// Content providers.
const (
	FetchScrapeAPI = "scrapeapi"
	FetchHeadless  = "headless"
	FetchDirect    = "direct"
)

// FetchConfig selects and configures the content provider.
type FetchConfig struct {
	Provider  string          `mapstructure:"provider"`
	ScrapeAPI ScrapeAPIConfig `mapstructure:"scrapeapi"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
}

// ScrapeAPIConfig configures the hosted scrape service.
type ScrapeAPIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	WaitFor time.Duration `mapstructure:"wait_for"`
}

// HeadlessConfig configures the chromedp renderer.
type HeadlessConfig struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
}

// ExtractConfig configures the extraction chain.
type ExtractConfig struct {
	MaxChars    int              `mapstructure:"max_chars"`
	Temperature float64          `mapstructure:"temperature"`
	MaxTokens   int              `mapstructure:"max_tokens"`
	Providers   []ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig is one extraction strategy, tried in list order.
type ProviderConfig struct {
	Name    string `mapstructure:"name"`
	Kind    string `mapstructure:"kind"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Region  string `mapstructure:"region"`
}

// CredentialsConfig holds provider keys shared across sections. They are
// also read from the conventional OPENAI_API_KEY and ANTHROPIC_API_KEY.
type CredentialsConfig struct {
	OpenAI    string `mapstructure:"openai"`
	Anthropic string `mapstructure:"anthropic"`
}

// Database providers.
const (
	DBPostgres = "postgres"
	DBMemory   = "memory"
)

// DBConfig controls access to the relational database.
type DBConfig struct {
	Provider        string        `mapstructure:"provider"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	SeedFile        string        `mapstructure:"seed_file"`
}

// StorageConfig configures the optional snapshot archive.
type StorageConfig struct {
	Provider    string `mapstructure:"provider"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// NotifyConfig configures best-effort notification fan-out.
type NotifyConfig struct {
	Provider      string `mapstructure:"provider"`
	Topic         string `mapstructure:"topic"`
	PubSubProject string `mapstructure:"pubsub_project"`
	NATSURL       string `mapstructure:"nats_url"`
	JetStream     bool   `mapstructure:"jetstream"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PORTFOLIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindConventionalEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyCredentials()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("scan.default_batch_limit", 10)
	v.SetDefault("scan.max_batch_limit", 100)
	v.SetDefault("scan.caller", "portfolio-scan")
	v.SetDefault("scan.interval", "0s")
	v.SetDefault("scan.pacing.policy", "fixed")
	v.SetDefault("scan.pacing.delay", "1s")
	v.SetDefault("scan.pacing.rps", 1.0)
	v.SetDefault("scan.pacing.burst", 1)
	v.SetDefault("probe.user_agent", "portfolio-monitor/1.0")
	v.SetDefault("probe.timeout", "10s")
	v.SetDefault("probe.respect_robots", false)
	v.SetDefault("fetch.provider", FetchScrapeAPI)
	v.SetDefault("fetch.scrapeapi.base_url", "https://api.firecrawl.dev")
	v.SetDefault("fetch.scrapeapi.timeout", "60s")
	v.SetDefault("fetch.scrapeapi.wait_for", "2s")
	v.SetDefault("fetch.headless.navigation_timeout", "30s")
	v.SetDefault("fetch.headless.settle_delay", "1500ms")
	v.SetDefault("extract.max_chars", 15000)
	v.SetDefault("extract.temperature", 0.0)
	v.SetDefault("extract.max_tokens", 2048)
	v.SetDefault("extract.providers", []map[string]any{
		{"name": "anthropic", "kind": "anthropic", "model": "claude-3-5-haiku-latest"},
		{"name": "openai", "kind": "openai", "model": "gpt-4o-mini"},
	})
	v.SetDefault("db.provider", DBPostgres)
	v.SetDefault("db.query_timeout", "5s")
	v.SetDefault("db.auto_migrate", false)
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("storage.content_type", "text/markdown; charset=utf-8")
	v.SetDefault("notify.topic", "portfolio-changes")
	v.SetDefault("logging.development", false)
	v.SetDefault("telemetry.service_name", "portfolio-monitor")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

func bindConventionalEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"fetch.scrapeapi.api_key": {"PORTFOLIO_FETCH_SCRAPEAPI_API_KEY", "FIRECRAWL_API_KEY"},
		"credentials.openai":      {"PORTFOLIO_CREDENTIALS_OPENAI", "OPENAI_API_KEY"},
		"credentials.anthropic":   {"PORTFOLIO_CREDENTIALS_ANTHROPIC", "ANTHROPIC_API_KEY"},
		"db.dsn":                  {"PORTFOLIO_DB_DSN", "DATABASE_URL"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// applyCredentials fills provider keys left empty from the shared credentials.
func (c *Config) applyCredentials() {
	for i, p := range c.Extract.Providers {
		if p.APIKey != "" {
			continue
		}
		switch p.Kind {
		case "openai":
			c.Extract.Providers[i].APIKey = c.Credentials.OpenAI
		case "anthropic":
			c.Extract.Providers[i].APIKey = c.Credentials.Anthropic
		}
	}
}

var knownKinds = []string{"openai", "anthropic", "ollama", "bedrock"}

// Validate enforces required values and reasonable limits. Missing provider
// credentials are not checked here; they surface as a configuration error
// when a scan starts.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scan.DefaultBatchLimit <= 0 || c.Scan.MaxBatchLimit <= 0 {
		return fmt.Errorf("scan.default_batch_limit and scan.max_batch_limit must be > 0")
	}
	if c.Scan.DefaultBatchLimit > c.Scan.MaxBatchLimit {
		return fmt.Errorf("scan.default_batch_limit must not exceed scan.max_batch_limit")
	}
	if c.Scan.Interval < 0 {
		return fmt.Errorf("scan.interval must be >= 0")
	}
	switch c.Scan.Pacing.Policy {
	case "", "none", "fixed", "rate":
	default:
		return fmt.Errorf("scan.pacing.policy %q is not one of none, fixed, rate", c.Scan.Pacing.Policy)
	}
	switch c.Fetch.Provider {
	case FetchScrapeAPI, FetchHeadless, FetchDirect:
	default:
		return fmt.Errorf("fetch.provider %q is not one of scrapeapi, headless, direct", c.Fetch.Provider)
	}
	if c.Fetch.Provider == FetchHeadless && c.Fetch.Headless.NavigationTimeout <= 0 {
		return fmt.Errorf("fetch.headless.navigation_timeout must be > 0 when headless is selected")
	}
	if c.Extract.MaxChars <= 0 {
		return fmt.Errorf("extract.max_chars must be > 0")
	}
	for i, p := range c.Extract.Providers {
		if !slices.Contains(knownKinds, p.Kind) {
			return fmt.Errorf("extract.providers[%d].kind %q is not supported", i, p.Kind)
		}
	}
	switch c.DB.Provider {
	case DBMemory:
	case DBPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres provider")
		}
	default:
		return fmt.Errorf("db.provider %q is not one of postgres, memory", c.DB.Provider)
	}
	switch c.Storage.Provider {
	case "", "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local provider")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs provider")
		}
	default:
		return fmt.Errorf("storage.provider %q is not one of memory, local, gcs", c.Storage.Provider)
	}
	switch c.Notify.Provider {
	case "", "memory":
	case "pubsub":
		if c.Notify.PubSubProject == "" {
			return fmt.Errorf("notify.pubsub_project is required for the pubsub provider")
		}
	case "nats":
		if c.Notify.NATSURL == "" {
			return fmt.Errorf("notify.nats_url is required for the nats provider")
		}
	default:
		return fmt.Errorf("notify.provider %q is not one of memory, pubsub, nats", c.Notify.Provider)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}
