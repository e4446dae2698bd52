// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/proofwatch/api/schemas"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Engine() EngineConfig
	Browser() BrowserConfig
	Orchestrator() OrchestratorConfig
	Tracking() TrackingConfig
	Detection() DetectionConfig
	Phase() PhaseConfig

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserRemoteURL(string)

	// Engine Setters
	SetEngineWorkerConcurrency(int)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	EngineCfg       EngineConfig       `mapstructure:"engine" yaml:"engine"`
	BrowserCfg      BrowserConfig      `mapstructure:"browser" yaml:"browser"`
	OrchestratorCfg OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	TrackingCfg     TrackingConfig     `mapstructure:"tracking" yaml:"tracking"`
	DetectionCfg    DetectionConfig    `mapstructure:"detection" yaml:"detection"`
	PhaseCfg        PhaseConfig        `mapstructure:"phase" yaml:"phase"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig             { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig         { return c.DatabaseCfg }
func (c *Config) Engine() EngineConfig             { return c.EngineCfg }
func (c *Config) Browser() BrowserConfig           { return c.BrowserCfg }
func (c *Config) Orchestrator() OrchestratorConfig { return c.OrchestratorCfg }
func (c *Config) Tracking() TrackingConfig         { return c.TrackingCfg }
func (c *Config) Detection() DetectionConfig       { return c.DetectionCfg }
func (c *Config) Phase() PhaseConfig               { return c.PhaseCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)        { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserRemoteURL(u string)     { c.BrowserCfg.RemoteURL = u }
func (c *Config) SetEngineWorkerConcurrency(w int) { c.EngineCfg.WorkerConcurrency = w }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the database connection details. An empty URL disables
// persistent storage.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// EngineConfig configures the batch engine that feeds requests to the orchestrator.
type EngineConfig struct {
	QueueSize         int `mapstructure:"queue_size" yaml:"queue_size"`
	WorkerConcurrency int `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	// ResultsFile, when set, receives one JSON line per terminal result.
	ResultsFile string `mapstructure:"results_file" yaml:"results_file"`
}

// BrowserConfig controls how the engine reaches the user's browser.
type BrowserConfig struct {
	// RemoteURL attaches to an already running Chrome (ws:// or http:// DevTools
	// endpoint). When empty a browser is launched.
	RemoteURL   string         `mapstructure:"remote_url" yaml:"remote_url"`
	ExecPath    string         `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir string         `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	Headless    bool           `mapstructure:"headless" yaml:"headless"`
	Debug       bool           `mapstructure:"debug" yaml:"debug"`
	Args        []string       `mapstructure:"args" yaml:"args"`
	Viewport    map[string]int `mapstructure:"viewport" yaml:"viewport"`
	// BodyFetchTimeout bounds each Network.getResponseBody round trip.
	BodyFetchTimeout time.Duration `mapstructure:"body_fetch_timeout" yaml:"body_fetch_timeout"`
}

// PlatformPolicy is the per-platform fallback used when a tab's content context
// cannot be reached.
type PlatformPolicy struct {
	Strict          bool          `mapstructure:"strict" yaml:"strict"`
	OptimisticGrace time.Duration `mapstructure:"optimistic_grace" yaml:"optimistic_grace"`
}

// OrchestratorConfig configures tab lifecycle handling.
type OrchestratorConfig struct {
	DeliveryAttempts int                       `mapstructure:"delivery_attempts" yaml:"delivery_attempts"`
	DeliveryBackoff  time.Duration             `mapstructure:"delivery_backoff" yaml:"delivery_backoff"`
	CompletionGrace  time.Duration             `mapstructure:"completion_grace" yaml:"completion_grace"`
	LoadTimeout      time.Duration             `mapstructure:"load_timeout" yaml:"load_timeout"`
	TabOpenRate      float64                   `mapstructure:"tab_open_rate" yaml:"tab_open_rate"`
	TabOpenBurst     int                       `mapstructure:"tab_open_burst" yaml:"tab_open_burst"`
	Platforms        map[string]PlatformPolicy `mapstructure:"platforms" yaml:"platforms"`
}

// Policy returns the fallback policy for a platform. Unknown platforms are strict.
func (o OrchestratorConfig) Policy(p schemas.Platform) PlatformPolicy {
	if pol, ok := o.Platforms[string(p)]; ok {
		return pol
	}
	return PlatformPolicy{Strict: true}
}

// TrackingConfig holds per-action hard timeouts.
type TrackingConfig struct {
	Timeouts map[string]time.Duration `mapstructure:"timeouts" yaml:"timeouts"`
	// DefaultTimeout applies to action types without an entry in Timeouts.
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
}

// TimeoutFor returns the hard timeout of an action type.
func (t TrackingConfig) TimeoutFor(at schemas.ActionType) time.Duration {
	if d, ok := t.Timeouts[string(at)]; ok && d > 0 {
		return d
	}
	return t.DefaultTimeout
}

// DetectionConfig tunes the DOM watcher.
type DetectionConfig struct {
	AnchorAttempts      int           `mapstructure:"anchor_attempts" yaml:"anchor_attempts"`
	AnchorInterval      time.Duration `mapstructure:"anchor_interval" yaml:"anchor_interval"`
	PollInterval        time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ClickSettle         time.Duration `mapstructure:"click_settle" yaml:"click_settle"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	RecencyWindow       time.Duration `mapstructure:"recency_window" yaml:"recency_window"`
}

// PhaseConfig bounds each step of a multi-phase account collection.
type PhaseConfig struct {
	ProfileTimeout   time.Duration `mapstructure:"profile_timeout" yaml:"profile_timeout"`
	AnalyticsTimeout time.Duration `mapstructure:"analytics_timeout" yaml:"analytics_timeout"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "proofwatch")
	v.SetDefault("logger.log_file", "proofwatch.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Engine --
	v.SetDefault("engine.queue_size", 256)
	v.SetDefault("engine.worker_concurrency", 4)

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.user_data_dir", "~/.proofwatch/chrome")
	v.SetDefault("browser.body_fetch_timeout", "5s")

	// -- Orchestrator --
	v.SetDefault("orchestrator.delivery_attempts", 2)
	v.SetDefault("orchestrator.delivery_backoff", "3s")
	v.SetDefault("orchestrator.completion_grace", "1500ms")
	v.SetDefault("orchestrator.load_timeout", "30s")
	v.SetDefault("orchestrator.tab_open_rate", 1.0)
	v.SetDefault("orchestrator.tab_open_burst", 2)
	v.SetDefault("orchestrator.platforms", map[string]interface{}{
		"instagram": map[string]interface{}{"strict": true},
		"twitter":   map[string]interface{}{"strict": true},
		"tiktok":    map[string]interface{}{"strict": false, "optimistic_grace": "15s"},
	})

	// -- Tracking --
	v.SetDefault("tracking.default_timeout", "120s")
	v.SetDefault("tracking.timeouts", map[string]interface{}{
		"follow":         "120s",
		"like":           "120s",
		"comment":        "120s",
		"retweet":        "120s",
		"verify_profile": "30s",
	})

	// -- Detection --
	v.SetDefault("detection.anchor_attempts", 10)
	v.SetDefault("detection.anchor_interval", "1s")
	v.SetDefault("detection.poll_interval", "500ms")
	v.SetDefault("detection.click_settle", "300ms")
	v.SetDefault("detection.confidence_threshold", 0.4)
	v.SetDefault("detection.recency_window", "60s")

	// -- Phase --
	v.SetDefault("phase.profile_timeout", "30s")
	v.SetDefault("phase.analytics_timeout", "12s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("database.url", "PROOFWATCH_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.DatabaseCfg.URL == "" {
		cfg.DatabaseCfg.URL = os.Getenv("PROOFWATCH_DATABASE_URL")
	}

	if cfg.BrowserCfg.UserDataDir != "" {
		dir, err := homedir.Expand(cfg.BrowserCfg.UserDataDir)
		if err != nil {
			return nil, fmt.Errorf("could not expand browser.user_data_dir: %w", err)
		}
		cfg.BrowserCfg.UserDataDir = dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.EngineCfg.WorkerConcurrency <= 0 {
		return fmt.Errorf("engine.worker_concurrency must be a positive integer")
	}
	if c.BrowserCfg.RemoteURL != "" && !hasAnyPrefix(c.BrowserCfg.RemoteURL, "ws://", "wss://", "http://", "https://") {
		return fmt.Errorf("browser.remote_url must be a ws(s):// or http(s):// DevTools endpoint")
	}
	if err := c.OrchestratorCfg.Validate(); err != nil {
		return fmt.Errorf("orchestrator configuration invalid: %w", err)
	}
	if err := c.DetectionCfg.Validate(); err != nil {
		return fmt.Errorf("detection configuration invalid: %w", err)
	}
	if c.TrackingCfg.DefaultTimeout <= 0 {
		return fmt.Errorf("tracking.default_timeout must be a positive duration")
	}
	for name, d := range c.TrackingCfg.Timeouts {
		if _, err := schemas.ParseActionType(name); err != nil {
			return fmt.Errorf("tracking.timeouts: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("tracking.timeouts.%s must be a positive duration", name)
		}
	}
	if c.PhaseCfg.ProfileTimeout <= 0 || c.PhaseCfg.AnalyticsTimeout <= 0 {
		return fmt.Errorf("phase timeouts must be positive durations")
	}
	return nil
}

// Validate checks the orchestrator settings.
func (o *OrchestratorConfig) Validate() error {
	if o.DeliveryAttempts < 1 {
		return fmt.Errorf("delivery_attempts must be at least 1")
	}
	if o.DeliveryBackoff < 0 || o.CompletionGrace < 0 {
		return fmt.Errorf("delivery_backoff and completion_grace cannot be negative")
	}
	if o.TabOpenRate <= 0 {
		return fmt.Errorf("tab_open_rate must be positive")
	}
	for name, pol := range o.Platforms {
		if _, err := schemas.ParsePlatform(name); err != nil {
			return fmt.Errorf("platforms: %w", err)
		}
		if !pol.Strict && pol.OptimisticGrace <= 0 {
			return fmt.Errorf("platforms.%s: optimistic_grace is required when strict is false", name)
		}
	}
	return nil
}

// Validate checks the detection settings.
func (d *DetectionConfig) Validate() error {
	if d.AnchorAttempts < 1 {
		return fmt.Errorf("anchor_attempts must be at least 1")
	}
	if d.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be a positive duration")
	}
	if d.ConfidenceThreshold < 0.0 || d.ConfidenceThreshold > 1.0 {
		return fmt.Errorf("confidence_threshold must be between 0.0 and 1.0")
	}
	return nil
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
