// Package config defines the neonrain configuration and its YAML loader.
// Configuration files support ${VAR} and ${VAR:-default} environment
// expansion; .env files next to the process are loaded automatically.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/zggf-zggf/neonrain/pkg/neonrain/agent"
)

// Config holds all process configuration.
type Config struct {
	// Persona is the agent's default persona, passed through to the AI
	// capability.
	Persona agent.Persona `yaml:"persona"`

	// Agent tunes reply pacing and the conversation window.
	Agent AgentConfig `yaml:"agent"`

	// Gateway configures the web chat gateway.
	Gateway GatewayConfig `yaml:"gateway"`

	// Discord configures the Discord surface.
	Discord DiscordConfig `yaml:"discord"`

	// Database configures the SQLite store.
	Database DatabaseConfig `yaml:"database"`

	// Jobs configures the recurring maintenance jobs.
	Jobs JobsConfig `yaml:"jobs"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "500ms" or "6h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// AgentConfig tunes the session layer.
type AgentConfig struct {
	// TypingWPM is the simulated typing speed for reply pacing.
	TypingWPM int `yaml:"typing_wpm"`

	// MinReplyDelay / MaxReplyDelay clamp the pacing delay.
	MinReplyDelay Duration `yaml:"min_reply_delay"`
	MaxReplyDelay Duration `yaml:"max_reply_delay"`

	// HistorySize caps the per-conversation message window.
	HistorySize int `yaml:"history_size"`
}

// GatewayConfig configures the web chat gateway.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`

	// RequireToken gates the websocket behind minted gateway tokens.
	RequireToken bool `yaml:"require_token"`
}

// DiscordConfig configures the Discord surface.
type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`

	// AllowedGuilds / AllowedChannels restrict where the bot responds.
	// Empty means everywhere.
	AllowedGuilds   []string `yaml:"allowed_guilds"`
	AllowedChannels []string `yaml:"allowed_channels"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// JobsConfig configures the recurring maintenance jobs.
type JobsConfig struct {
	TokenSweep     JobConfig `yaml:"token_sweep"`
	ContentRefresh JobConfig `yaml:"content_refresh"`

	// ContentMaxAge is how old a cached reference page may get before the
	// refresh job re-fetches it.
	ContentMaxAge Duration `yaml:"content_max_age"`
}

// JobConfig is the per-job toggle and interval.
type JobConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Persona: agent.Persona{Name: "Neon"},
		Agent: AgentConfig{
			TypingWPM:     90,
			MinReplyDelay: Duration(500 * time.Millisecond),
			MaxReplyDelay: Duration(30 * time.Second),
			HistorySize:   50,
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Address: ":8090",
		},
		Database: DatabaseConfig{Path: "neonrain.db"},
		Jobs: JobsConfig{
			TokenSweep:     JobConfig{Enabled: true, Interval: Duration(time.Hour)},
			ContentRefresh: JobConfig{Enabled: true, Interval: Duration(6 * time.Hour)},
			ContentMaxAge:  Duration(24 * time.Hour),
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} in config values.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Load reads and parses a YAML configuration file, expanding environment
// variables first. A .env file in the working directory is loaded if
// present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML bytes into a Config, overlaying the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// expandEnvVars substitutes ${VAR} and ${VAR:-default} occurrences.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(groups[1]); ok {
			return v
		}
		return groups[2]
	})
}
