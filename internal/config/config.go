package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Backend         BackendConfig  `yaml:"backend"`
	Push            PushConfig     `yaml:"push"`
	Poll            PollConfig     `yaml:"poll"`
	Chart           ChartConfig    `yaml:"chart"`
	Commands        CommandsConfig `yaml:"commands"`
	Breaker         BreakerConfig  `yaml:"breaker"`
	Zones           []ZoneConfig   `yaml:"zones"`
	Relays          []RelayConfig  `yaml:"relays"`
	Display         DisplayConfig  `yaml:"display"`
	Database        DatabaseConfig `yaml:"database"`
	Log             LogConfig      `yaml:"log"`
	EventBus        EventBusConfig `yaml:"eventbus"`
	HTTP            HTTPConfig     `yaml:"http"`
	Ledger          LedgerConfig   `yaml:"ledger"`
	ShutdownTimeout Duration       `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// BackendConfig contains garden backend connection settings
type BackendConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"` // HTTP timeout for one-shot requests
}

// PushConfig selects and tunes the push event transports
type PushConfig struct {
	SSE  SSEConfig  `yaml:"sse"`
	MQTT MQTTConfig `yaml:"mqtt"`

	// Reconnect settings shared by both transports
	MinRetryBackoff Duration `yaml:"min_retry_backoff"` // Minimum backoff between reconnects (default: 1s)
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"` // Maximum backoff between reconnects (default: 2m)
	RetryMultiplier float64  `yaml:"retry_multiplier"`  // Backoff multiplier (default: 2.0)
	MaxReconnects   int      `yaml:"max_reconnects"`    // Max reconnect attempts, 0 = infinite (default: 0)
}

// SSEConfig contains the server-sent events stream settings
type SSEConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// IsEnabled returns true unless SSE was explicitly disabled
func (c *SSEConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// MQTTConfig contains the optional MQTT push source settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// PollConfig contains snapshot polling settings
type PollConfig struct {
	Interval Duration `yaml:"interval"`
}

// ChartConfig contains chart pipeline settings
type ChartConfig struct {
	DefaultWindow string `yaml:"default_window"`
	SeriesName    string `yaml:"series_name"`
}

// CommandsConfig contains command dispatch settings
type CommandsConfig struct {
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	Burst        int     `yaml:"burst"`
}

// BreakerConfig contains circuit breaker settings for backend calls
type BreakerConfig struct {
	MaxFailures uint32   `yaml:"max_failures"`
	OpenFor     Duration `yaml:"open_for"`
	Interval    Duration `yaml:"interval"`
}

// ZoneConfig describes one irrigation zone
type ZoneConfig struct {
	ID       string   `yaml:"id"`
	Aliases  []string `yaml:"aliases"`
	ValvePin int      `yaml:"valve_pin"`
}

// RelayConfig describes one relay and its display labels
type RelayConfig struct {
	Pin      int    `yaml:"pin"`
	Name     string `yaml:"name"`
	Active   string `yaml:"active"`
	Inactive string `yaml:"inactive"`
}

// DisplayConfig contains presentation settings
type DisplayConfig struct {
	Timezone        string `yaml:"timezone"`
	UnavailableText string `yaml:"unavailable_text"`
}

// Location resolves the display timezone, falling back to UTC
func (c *DisplayConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	Colors  bool   `yaml:"colors"`
	UseJSON bool   `yaml:"json"`
}

// GetLevel returns the configured level string
func (c *LogConfig) GetLevel() string {
	return c.Level
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 1, keeps view updates ordered)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 1
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// HTTPConfig contains the dashboard/health HTTP server settings
type HTTPConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// IsEnabled returns true unless the HTTP surface was explicitly disabled
func (c *HTTPConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Addr returns host:port
func (c *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LedgerConfig contains command ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file.
// A .env file next to the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// Parse expands environment variables in data, decodes it and applies defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./gardenview.sqlite"
	}

	// Backend defaults
	if cfg.Backend.URL == "" {
		cfg.Backend.URL = "http://localhost:5000"
	}
	cfg.Backend.URL = strings.TrimRight(cfg.Backend.URL, "/")
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = Duration(10 * time.Second)
	}

	// Push defaults
	if cfg.Push.SSE.Path == "" {
		cfg.Push.SSE.Path = "/events"
	}
	if cfg.Push.MQTT.ClientID == "" {
		cfg.Push.MQTT.ClientID = "gardenview"
	}
	if cfg.Push.MQTT.TopicPrefix == "" {
		cfg.Push.MQTT.TopicPrefix = "pigarden/events"
	}
	if cfg.Push.MinRetryBackoff == 0 {
		cfg.Push.MinRetryBackoff = Duration(1 * time.Second)
	}
	if cfg.Push.MaxRetryBackoff == 0 {
		cfg.Push.MaxRetryBackoff = Duration(2 * time.Minute)
	}
	if cfg.Push.RetryMultiplier == 0 {
		cfg.Push.RetryMultiplier = 2.0
	}
	// MaxReconnects defaults to 0 (infinite), no need to set

	if cfg.Poll.Interval == 0 {
		cfg.Poll.Interval = Duration(1 * time.Minute)
	}

	if cfg.Chart.DefaultWindow == "" {
		cfg.Chart.DefaultWindow = "24h"
	}
	if cfg.Chart.SeriesName == "" {
		cfg.Chart.SeriesName = "Niveau d'eau (cm)"
	}

	if cfg.Commands.RateLimitRPS == 0 {
		cfg.Commands.RateLimitRPS = 2.0
	}
	if cfg.Commands.Burst == 0 {
		cfg.Commands.Burst = 1
	}

	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker.MaxFailures = 5
	}
	if cfg.Breaker.OpenFor == 0 {
		cfg.Breaker.OpenFor = Duration(30 * time.Second)
	}
	if cfg.Breaker.Interval == 0 {
		cfg.Breaker.Interval = Duration(1 * time.Minute)
	}

	if len(cfg.Zones) == 0 {
		cfg.Zones = DefaultZones()
	}
	if len(cfg.Relays) == 0 {
		cfg.Relays = DefaultRelays()
	}

	if cfg.Display.Timezone == "" {
		cfg.Display.Timezone = "Local"
	}
	if cfg.Display.UnavailableText == "" {
		cfg.Display.UnavailableText = "unavailable"
	}

	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 9090
	}
	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}

	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// DefaultZones returns the zone set of the stock installation.
func DefaultZones() []ZoneConfig {
	return []ZoneConfig{
		{ID: "garden", Aliases: []string{"jardin"}, ValvePin: 12},
		{ID: "tomatoes", Aliases: []string{"tomato", "tomates"}, ValvePin: 25},
	}
}

// DefaultRelays returns the fixed pin table of the stock relay board.
func DefaultRelays() []RelayConfig {
	return []RelayConfig{
		{Pin: 18, Name: "pump", Active: "Pompe activée", Inactive: "Pompe désactivée"},
		{Pin: 24, Name: "city_water_valve", Active: "Eau de Ville activée", Inactive: "Eau de Ville désactivée"},
		{Pin: 25, Name: "tomato_valve", Active: "Tomates arrosées", Inactive: "Tomates non arrosées"},
		{Pin: 12, Name: "garden_valve", Active: "Jardin arrosé", Inactive: "Jardin non arrosé"},
		{Pin: 16, Name: "auxiliary_valve", Active: "Robinet annex. activé", Inactive: "Robinet annex. désactivé"},
	}
}

func (cfg *Config) validate() error {
	var problems []string

	pins := make(map[int]string, len(cfg.Relays))
	for _, r := range cfg.Relays {
		if other, exists := pins[r.Pin]; exists {
			problems = append(problems, fmt.Sprintf("relays %s and %s both use pin %d", r.Name, other, r.Pin))
			continue
		}
		pins[r.Pin] = r.Name
	}

	zones := make(map[string]bool, len(cfg.Zones))
	for _, z := range cfg.Zones {
		id := strings.ToLower(z.ID)
		if id == "" {
			problems = append(problems, "zone with empty id")
			continue
		}
		if zones[id] {
			problems = append(problems, fmt.Sprintf("duplicate zone %q", z.ID))
		}
		zones[id] = true
		if _, ok := pins[z.ValvePin]; z.ValvePin != 0 && !ok {
			problems = append(problems, fmt.Sprintf("zone %q valve pin %d is not a configured relay", z.ID, z.ValvePin))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// GetShutdownTimeout returns the shutdown timeout as time.Duration
func (cfg *Config) GetShutdownTimeout() time.Duration {
	return cfg.ShutdownTimeout.Duration()
}

// envVar matches ${VAR} or ${VAR:default}
var envVar = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:default}. An unset or empty
// variable yields the default, or nothing.
func expandEnvVars(input string) string {
	return envVar.ReplaceAllStringFunc(input, func(match string) string {
		m := envVar.FindStringSubmatch(match)
		if val := os.Getenv(m[1]); val != "" {
			return val
		}
		return m[2]
	})
}
