package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Mode      string          `yaml:"mode"` // "browser", "direct-http" or "mock"
	Portal    PortalConfig    `yaml:"portal"`
	Poll      PollConfig      `yaml:"poll"`
	Security  SecurityConfig  `yaml:"security"`
	Engine    EngineConfig    `yaml:"engine"`
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Notify    NotifyConfig    `yaml:"notify"`
	Mock      MockConfig      `yaml:"mock"`
}

// PortalConfig holds portal access settings.
type PortalConfig struct {
	BaseURL        string        `yaml:"base_url"`
	AuctionURL     string        `yaml:"auction_url"`
	CaptureTimeout time.Duration `yaml:"capture_timeout"`
	InsecureTLS    bool          `yaml:"insecure_tls"`
	BrowserPath    string        `yaml:"browser_path"`
	Headless       bool          `yaml:"headless"`
}

// PollConfig holds polling cadence and concurrency settings.
type PollConfig struct {
	BaseCadence        time.Duration `yaml:"base_cadence"`
	RelaxedCadence     time.Duration `yaml:"relaxed_cadence"`
	ConcurrentRequests int           `yaml:"concurrent_requests"`
	IntensiveTimeout   time.Duration `yaml:"intensive_timeout"`
	RelaxedTimeout     time.Duration `yaml:"relaxed_timeout"`
	AuthFailuresMax    int           `yaml:"auth_failures_max"`
}

// SecurityConfig holds the backoff policy parameters.
type SecurityConfig struct {
	MaxErrorStreak    int           `yaml:"max_error_streak"`
	MinErrorStreak    int           `yaml:"min_error_streak"`
	BackoffFactor     float64       `yaml:"backoff_factor"`
	BackoffCeiling    time.Duration `yaml:"backoff_ceiling"`
	InactivityWindow  time.Duration `yaml:"inactivity_window"`
	TolerateTimeouts  bool          `yaml:"tolerate_timeouts"`
	TerminatorMessage string        `yaml:"terminator_message"`
}

// EngineConfig holds event-processing settings.
type EngineConfig struct {
	AggregateWindow     time.Duration `yaml:"aggregate_window"`
	ErrorBurstWindow    time.Duration `yaml:"error_burst_window"`
	DefaultMinMarginPct float64       `yaml:"default_min_margin_pct"`
	HideBelowThreshold  bool          `yaml:"hide_below_threshold"`
}

// DatabaseConfig holds the file-store settings.
type DatabaseConfig struct {
	Path   string `yaml:"path"`
	Driver string `yaml:"driver"` // "sqlite"
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// NotifyConfig holds the Discord webhook used for operator alerts.
// Notifications are off when the ID is empty.
type NotifyConfig struct {
	WebhookID    string `yaml:"webhook_id"`
	WebhookToken string `yaml:"webhook_token"`
}

// MockConfig holds the scenario file for the mock collector.
type MockConfig struct {
	ScenarioPath string `yaml:"scenario_path"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		Mode: "browser",
		Portal: PortalConfig{
			CaptureTimeout: 60 * time.Second,
			Headless:       false,
		},
		Poll: PollConfig{
			BaseCadence:        time.Second,
			RelaxedCadence:     0, // defaulted to max(1s, base) in validate
			ConcurrentRequests: 5,
			IntensiveTimeout:   2500 * time.Millisecond,
			RelaxedTimeout:     5 * time.Second,
			AuthFailuresMax:    5,
		},
		Security: SecurityConfig{
			MaxErrorStreak:    10,
			MinErrorStreak:    2,
			BackoffFactor:     2.0,
			BackoffCeiling:    30 * time.Second,
			InactivityWindow:  5 * time.Minute,
			TolerateTimeouts:  true,
			TerminatorMessage: "finalizada",
		},
		Engine: EngineConfig{
			AggregateWindow:     30 * time.Second,
			ErrorBurstWindow:    1500 * time.Millisecond,
			DefaultMinMarginPct: 10.0,
		},
		Database: DatabaseConfig{
			Path:   "subastamon.db",
			Driver: "sqlite",
		},
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "subastamon",
			ServiceVersion: "0.1.0",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Mode {
	case "browser", "direct-http", "mock":
		// valid
	default:
		return fmt.Errorf("unsupported mode %q: must be \"browser\", \"direct-http\" or \"mock\"", c.Mode)
	}
	if c.Poll.ConcurrentRequests < 1 || c.Poll.ConcurrentRequests > 30 {
		return fmt.Errorf("poll.concurrent_requests %d out of range [1, 30]", c.Poll.ConcurrentRequests)
	}
	if c.Poll.BaseCadence < 200*time.Millisecond {
		return fmt.Errorf("poll.base_cadence %v below minimum 200ms", c.Poll.BaseCadence)
	}
	if c.Poll.RelaxedCadence == 0 {
		c.Poll.RelaxedCadence = max(time.Second, c.Poll.BaseCadence)
	}
	if c.Poll.RelaxedCadence < c.Poll.BaseCadence {
		return fmt.Errorf("poll.relaxed_cadence %v below base_cadence %v", c.Poll.RelaxedCadence, c.Poll.BaseCadence)
	}
	if c.Poll.IntensiveTimeout < 500*time.Millisecond {
		return fmt.Errorf("poll.intensive_timeout %v below minimum 500ms", c.Poll.IntensiveTimeout)
	}
	if c.Poll.RelaxedTimeout < time.Second {
		return fmt.Errorf("poll.relaxed_timeout %v below minimum 1s", c.Poll.RelaxedTimeout)
	}
	if c.Security.BackoffFactor < 1 {
		return fmt.Errorf("security.backoff_factor %v must be >= 1", c.Security.BackoffFactor)
	}
	if c.Engine.DefaultMinMarginPct < 0 || c.Engine.DefaultMinMarginPct > 100 {
		return fmt.Errorf("engine.default_min_margin_pct %v out of range [0, 100]", c.Engine.DefaultMinMarginPct)
	}
	if c.Database.Driver != "sqlite" {
		return fmt.Errorf("unsupported database driver %q: must be \"sqlite\"", c.Database.Driver)
	}
	if c.Mode == "mock" && c.Mock.ScenarioPath == "" {
		return fmt.Errorf("mock mode requires mock.scenario_path")
	}
	return nil
}
