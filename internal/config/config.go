package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	SerpAPI    SerpAPIConfig    `yaml:"serpapi" mapstructure:"serpapi"`
	Fipe       FipeConfig       `yaml:"fipe" mapstructure:"fipe"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Quote      QuoteConfig      `yaml:"quote" mapstructure:"quote"`
	Render     RenderConfig     `yaml:"render" mapstructure:"render"`
	Domains    DomainsConfig    `yaml:"domains" mapstructure:"domains"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" mapstructure:"checkpoint"`
	Screenshot ScreenshotConfig `yaml:"screenshot" mapstructure:"screenshot"`
	Report     ReportConfig     `yaml:"report" mapstructure:"report"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // postgres | sqlite
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// SerpAPIConfig holds shopping search / deep-lookup API settings.
type SerpAPIConfig struct {
	Key        string  `yaml:"key" mapstructure:"key"`
	BaseURL    string  `yaml:"base_url" mapstructure:"base_url"`
	Location   string  `yaml:"location" mapstructure:"location"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// FipeConfig holds FIPE vehicle price API settings.
type FipeConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// AnthropicConfig holds the query analyzer model settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// QuoteConfig holds the default per-request quotation parameters. Project
// configuration may override these; once a request starts they are frozen.
type QuoteConfig struct {
	TargetCount           int     `yaml:"target_count" mapstructure:"target_count"`
	VariationMaxPct       float64 `yaml:"variation_max_pct" mapstructure:"variation_max_pct"`
	MaxValidProducts      int     `yaml:"max_valid_products" mapstructure:"max_valid_products"`
	MaxBlockIterations    int     `yaml:"max_block_iterations" mapstructure:"max_block_iterations"`
	DeepLookupRetries     int     `yaml:"deep_lookup_retries" mapstructure:"deep_lookup_retries"`
	MaxStoredPerItem      int     `yaml:"max_stored_per_item" mapstructure:"max_stored_per_item"`
	ValidatePriceMismatch bool    `yaml:"validate_price_mismatch" mapstructure:"validate_price_mismatch"`
}

// RenderConfig configures the headless browser.
type RenderConfig struct {
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RetryTimeoutSecs int    `yaml:"retry_timeout_secs" mapstructure:"retry_timeout_secs"`
	SettleDelayMs    int    `yaml:"settle_delay_ms" mapstructure:"settle_delay_ms"`
	UserAgent        string `yaml:"user_agent" mapstructure:"user_agent"`
	Locale           string `yaml:"locale" mapstructure:"locale"`
}

// DomainsConfig configures the blocked-domain policy cache.
type DomainsConfig struct {
	CacheRefreshSecs int `yaml:"cache_refresh_secs" mapstructure:"cache_refresh_secs"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers"`
}

// CheckpointConfig configures heartbeats and stuck detection.
type CheckpointConfig struct {
	HeartbeatTimeoutMins int `yaml:"heartbeat_timeout_mins" mapstructure:"heartbeat_timeout_mins"`
	ProcessingCapHours   int `yaml:"processing_cap_hours" mapstructure:"processing_cap_hours"`
}

// ScreenshotConfig configures where screenshot evidence is written.
type ScreenshotConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// ReportConfig configures where artifact payloads for the PDF builder are
// written.
type ReportConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// ServerConfig configures the control surface.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Timeout returns the first-attempt render timeout.
func (c RenderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// RetryTimeout returns the extended render timeout for the second attempt.
func (c RenderConfig) RetryTimeout() time.Duration {
	return time.Duration(c.RetryTimeoutSecs) * time.Second
}

// CacheRefresh returns the blocked-domain cache refresh interval.
func (c DomainsConfig) CacheRefresh() time.Duration {
	return time.Duration(c.CacheRefreshSecs) * time.Second
}

// HeartbeatTimeout returns the stuck-detection threshold as a duration.
func (c CheckpointConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMins) * time.Minute
}

// ProcessingCap returns the hard per-request processing ceiling.
func (c CheckpointConfig) ProcessingCap() time.Duration {
	return time.Duration(c.ProcessingCapHours) * time.Hour
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("COTADOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "cotador.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("serpapi.base_url", "https://serpapi.com")
	v.SetDefault("serpapi.location", "Brasilia, Federal District, Brazil")
	v.SetDefault("serpapi.rate_per_sec", 2.0)
	v.SetDefault("fipe.base_url", "https://parallelum.com.br/fipe/api/v1")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("quote.target_count", 3)
	v.SetDefault("quote.variation_max_pct", 25)
	v.SetDefault("quote.max_valid_products", 150)
	v.SetDefault("quote.max_block_iterations", 15)
	v.SetDefault("quote.deep_lookup_retries", 3)
	v.SetDefault("quote.max_stored_per_item", 5)
	v.SetDefault("quote.validate_price_mismatch", true)
	v.SetDefault("render.timeout_secs", 30)
	v.SetDefault("render.retry_timeout_secs", 45)
	v.SetDefault("render.settle_delay_ms", 3000)
	v.SetDefault("render.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	v.SetDefault("render.locale", "pt-BR")
	v.SetDefault("domains.cache_refresh_secs", 60)
	v.SetDefault("batch.workers", 3)
	v.SetDefault("checkpoint.heartbeat_timeout_mins", 10)
	v.SetDefault("checkpoint.processing_cap_hours", 24)
	v.SetDefault("screenshot.dir", "screenshots")
	v.SetDefault("report.dir", "artifacts")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
