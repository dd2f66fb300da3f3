// Package config loads and validates the voxd configuration from
// config.yaml under the vox home directory, with environment overrides
// for deployment settings and secrets.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/vox/internal/agent"
	"github.com/basket/vox/internal/lookup"
)

// HTTPConfig holds the gateway listener settings.
type HTTPConfig struct {
	BindAddr string `yaml:"bind_addr"`
	// AuthToken, when set, is required as a Bearer token on every
	// request except /healthz.
	AuthToken string `yaml:"auth_token"`
	// AllowOrigins controls which Origin headers are accepted for
	// browser websocket connections. Empty means same-host only.
	AllowOrigins []string `yaml:"allow_origins"`
}

// LLMConfig holds the model client settings.
type LLMConfig struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"` // custom endpoint (e.g. a proxy)
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int64         `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// BusConfig holds event bus tuning.
type BusConfig struct {
	HistoryEnabled bool          `yaml:"history_enabled"`
	HistoryLimit   int           `yaml:"history_limit"`
	StatsWindow    time.Duration `yaml:"stats_window"`
}

// MaintenanceConfig holds the background pruning schedule.
type MaintenanceConfig struct {
	// Schedule is a cron expression; empty disables maintenance.
	Schedule string `yaml:"schedule"`
	// Retention is how long ended sessions are kept.
	Retention time.Duration `yaml:"retention"`
}

// OtelConfig holds tracing/metrics exporter settings.
type OtelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint string `yaml:"endpoint"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	HTTP        HTTPConfig        `yaml:"http"`
	LLM         LLMConfig         `yaml:"llm"`
	Bus         BusConfig         `yaml:"bus"`
	StrictMode  bool              `yaml:"strict_mode"`
	Agents      []agent.Config    `yaml:"agents"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Otel        OtelConfig        `yaml:"otel"`

	// Directory maps caller phone numbers to known profiles for the
	// lookup_caller tool.
	Directory map[string]lookup.Profile `yaml:"directory"`

	// SystemPrompt is loaded from PROMPT.md in the home directory.
	SystemPrompt string `yaml:"-"`

	// NeedsGenesis is set when no config.yaml existed yet.
	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DatabasePath returns the path to the sqlite database.
func (c Config) DatabasePath() string {
	return filepath.Join(c.HomeDir, "vox.db")
}

// Fingerprint returns a stable hash of the settings that require a
// restart to change, used to detect hot-reloadable edits.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|model=%s|strict=%t|origins=%v",
		c.HTTP.BindAddr, c.LogLevel, c.LLM.Model, c.StrictMode, c.HTTP.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			BindAddr: "127.0.0.1:18790",
		},
		LLM: LLMConfig{
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   1024,
			Timeout:     30 * time.Second,
		},
		Bus: BusConfig{
			HistoryEnabled: true,
			HistoryLimit:   100,
			StatsWindow:    time.Minute,
		},
		Maintenance: MaintenanceConfig{
			Schedule:  "0 3 * * *",
			Retention: 90 * 24 * time.Hour,
		},
		Otel: OtelConfig{
			Exporter: "stdout",
		},
	}
}

// HomeDir returns the vox home directory, honoring the VOX_HOME
// override.
func HomeDir() string {
	if override := os.Getenv("VOX_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".vox")
}

// Load reads config.yaml from the vox home directory, applies
// environment overrides and defaults, and validates the result.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create vox home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadTextFiles(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HTTP.BindAddr == "" {
		cfg.HTTP.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.MaxTokens <= 0 {
		cfg.LLM.MaxTokens = 1024
	}
	if cfg.LLM.Timeout <= 0 {
		cfg.LLM.Timeout = 30 * time.Second
	}
	if cfg.Bus.HistoryLimit <= 0 {
		cfg.Bus.HistoryLimit = 100
	}
	if cfg.Bus.StatsWindow <= 0 {
		cfg.Bus.StatsWindow = time.Minute
	}
	if cfg.Maintenance.Retention <= 0 {
		cfg.Maintenance.Retention = 90 * 24 * time.Hour
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "stdout"
	}
	for i := range cfg.Agents {
		if cfg.Agents[i].Settings == nil {
			cfg.Agents[i].Settings = map[string]any{}
		}
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q: must be debug, info, warn or error", cfg.LogLevel)
	}
	switch cfg.Otel.Exporter {
	case "stdout", "otlp":
	default:
		return fmt.Errorf("otel.exporter %q: must be stdout or otlp", cfg.Otel.Exporter)
	}

	seen := map[string]bool{}
	for _, a := range cfg.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent with type %q: id is required", a.Type)
		}
		if a.Type == "" {
			return fmt.Errorf("agent %s: type is required", a.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("agent %s: duplicate id", a.ID)
		}
		seen[a.ID] = true
		if a.Frequency < 0 {
			return fmt.Errorf("agent %s: frequency must not be negative", a.ID)
		}
	}
	for _, a := range cfg.Agents {
		for _, dep := range a.Dependencies {
			if !seen[dep] {
				return fmt.Errorf("agent %s: unknown dependency %q", a.ID, dep)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("VOX_BIND_ADDR"); raw != "" {
		cfg.HTTP.BindAddr = raw
	}
	if raw := os.Getenv("VOX_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("VOX_AUTH_TOKEN"); raw != "" {
		cfg.HTTP.AuthToken = raw
	}
	if raw := os.Getenv("OPENAI_API_KEY"); raw != "" {
		cfg.LLM.APIKey = raw
	}
	if raw := os.Getenv("OPENAI_BASE_URL"); raw != "" {
		cfg.LLM.BaseURL = raw
	}
	if raw := os.Getenv("VOX_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("VOX_STRICT_MODE"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.StrictMode = v
		}
	}
	if raw := os.Getenv("VOX_OTEL_ENDPOINT"); raw != "" {
		cfg.Otel.Endpoint = raw
	}
}

func loadTextFiles(cfg *Config) {
	promptPath := filepath.Join(cfg.HomeDir, "PROMPT.md")
	if b, err := os.ReadFile(promptPath); err == nil {
		cfg.SystemPrompt = string(b)
	}
}
