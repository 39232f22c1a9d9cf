// ABOUTME: Configuration loading and parsing for sessiongate
// ABOUTME: Supports YAML or TOML files with env var expansion, env overrides and duration parsing

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/2389/sessiongate/internal/agent"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SESSIONGATE"

// Config represents the complete sessiongate configuration
type Config struct {
	Server     ServerConfig    `yaml:"server" toml:"server"`
	Tailscale  TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database   DatabaseConfig  `yaml:"database" toml:"database"`
	Auth       AuthConfig      `yaml:"auth" toml:"auth"`
	Runtime    RuntimeConfig   `yaml:"runtime" toml:"runtime"`
	Stream     StreamConfig    `yaml:"stream" toml:"stream"`
	Events     EventsConfig    `yaml:"events" toml:"events"`
	Logging    LoggingConfig   `yaml:"logging" toml:"logging"`
	CORS       CORSConfig      `yaml:"cors" toml:"cors"`
	Agents     []AgentConfig   `yaml:"agents" toml:"agents"`
	AgentsFile string          `yaml:"agents_file" toml:"agents_file"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" split_words:"true"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key" split_words:"true"`
	StateDir  string `yaml:"state_dir" toml:"state_dir" split_words:"true"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"` // serve TLS with the tailnet certificate
}

// Storage drivers.
const (
	DriverSQLite    = "sqlite"  // modernc.org/sqlite
	DriverSQLiteCGO = "sqlite3" // mattn/go-sqlite3
	DriverMemory    = "memory"
)

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration. An empty secret disables
// authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" split_words:"true"`
}

// RuntimeConfig describes the default agent runtime.
type RuntimeConfig struct {
	Address string `yaml:"address" toml:"address"`
	Token   string `yaml:"token" toml:"token"`
	// Echo serves agents without a runtime address from the built-in echo
	// backend.
	Echo    bool          `yaml:"echo" toml:"echo"`
	Timeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout" ignored:"true"`
}

// StreamConfig tunes streaming queries.
type StreamConfig struct {
	QueueSize    int           `yaml:"queue_size" toml:"queue_size" split_words:"true"`
	Keepalive    time.Duration `yaml:"-" toml:"-"`
	FlushTimeout time.Duration `yaml:"-" toml:"-" split_words:"true"`

	KeepaliveRaw    string `yaml:"keepalive" toml:"keepalive" ignored:"true"`
	FlushTimeoutRaw string `yaml:"flush_timeout" toml:"flush_timeout" ignored:"true"`
}

// EventsConfig configures external publication of appended events.
type EventsConfig struct {
	Kafka KafkaConfig `yaml:"kafka" toml:"kafka"`
}

// KafkaConfig holds Kafka publisher configuration
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled" toml:"enabled"`
	Brokers []string `yaml:"brokers" toml:"brokers"`
	Topic   string   `yaml:"topic" toml:"topic"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// CORSConfig lists origins allowed to call the HTTP API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins" split_words:"true"`
}

// AgentConfig declares one agent. Enabled defaults to true.
type AgentConfig struct {
	ID          string `yaml:"agent_id" toml:"agent_id" json:"agent_id"`
	Name        string `yaml:"name" toml:"name" json:"name"`
	DisplayName string `yaml:"display_name" toml:"display_name" json:"display_name"`
	Description string `yaml:"description" toml:"description" json:"description"`
	Enabled     *bool  `yaml:"enabled" toml:"enabled" json:"enabled"`
	Endpoint    string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:8080"},
		Database: DatabaseConfig{Driver: DriverSQLite, Path: "sessiongate.db"},
		Runtime: RuntimeConfig{
			TimeoutRaw: "2m",
		},
		Stream: StreamConfig{
			QueueSize:       32,
			KeepaliveRaw:    "15s",
			FlushTimeoutRaw: "5s",
		},
		Events: EventsConfig{Kafka: KafkaConfig{Topic: "sessiongate.events"}},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		CORS: CORSConfig{AllowedOrigins: []string{"http://localhost:3000", "http://localhost:8000"}},
	}
}

// Path resolves the configuration file location: the explicit flag value,
// then SESSIONGATE_CONFIG, then $XDG_CONFIG_HOME/sessiongate/gateway.yaml.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join("sessiongate", "gateway.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "sessiongate", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, then
// SESSIONGATE_* variables override individual settings.
// A missing file at path is not an error when allowMissing is set.
func Load(path string, allowMissing bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, expandEnvVars(string(data)), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case allowMissing && errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := loadAgents(cfg, filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("loading agents: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func decode(path, data string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(data, cfg)
		return err
	}
	return yaml.Unmarshal([]byte(data), cfg)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyEnv overlays SESSIONGATE_<SECTION>_<FIELD> variables. Durations are
// read from the environment in time.ParseDuration syntax.
func applyEnv(cfg *Config) error {
	sections := []struct {
		prefix string
		spec   any
	}{
		{"SERVER", &cfg.Server},
		{"TAILSCALE", &cfg.Tailscale},
		{"DATABASE", &cfg.Database},
		{"AUTH", &cfg.Auth},
		{"RUNTIME", &cfg.Runtime},
		{"STREAM", &cfg.Stream},
		{"EVENTS_KAFKA", &cfg.Events.Kafka},
		{"LOGGING", &cfg.Logging},
		{"CORS", &cfg.CORS},
	}
	for _, s := range sections {
		if err := envconfig.Process(EnvPrefix+"_"+s.prefix, s.spec); err != nil {
			return err
		}
	}
	if f := os.Getenv(EnvPrefix + "_AGENTS_FILE"); f != "" {
		cfg.AgentsFile = f
	}
	return nil
}

// loadAgents appends agents from agents_file and from SESSIONGATE_AGENTS.
// Both hold a JSON array; the file may carry comments and trailing commas.
// A relative agents_file is resolved against the config file's directory.
func loadAgents(cfg *Config, baseDir string) error {
	if cfg.AgentsFile != "" {
		p := cfg.AgentsFile
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading agents file: %w", err)
		}
		agents, err := ParseAgents(data)
		if err != nil {
			return fmt.Errorf("agents file %s: %w", p, err)
		}
		cfg.Agents = append(cfg.Agents, agents...)
	}
	if raw := os.Getenv(EnvPrefix + "_AGENTS"); raw != "" {
		agents, err := ParseAgents([]byte(raw))
		if err != nil {
			return fmt.Errorf("%s_AGENTS: %w", EnvPrefix, err)
		}
		cfg.Agents = append(cfg.Agents, agents...)
	}
	return nil
}

// ParseAgents decodes a JSON array of agents. Comments and trailing commas
// are accepted.
func ParseAgents(data []byte) ([]AgentConfig, error) {
	trimmed := strings.TrimSpace(string(jsonc.ToJSON(data)))
	if !strings.HasPrefix(trimmed, "[") {
		return nil, errors.New("agents must be a JSON array")
	}
	var agents []AgentConfig
	if err := json.Unmarshal([]byte(trimmed), &agents); err != nil {
		return nil, fmt.Errorf("invalid agents JSON: %w", err)
	}
	return agents, nil
}

// AgentList converts the configured agents for the registry.
func (c *Config) AgentList() []agent.Agent {
	out := make([]agent.Agent, 0, len(c.Agents))
	for _, a := range c.Agents {
		enabled := a.Enabled == nil || *a.Enabled
		out = append(out, agent.Agent{
			ID:          a.ID,
			Name:        a.Name,
			DisplayName: a.DisplayName,
			Description: a.Description,
			Enabled:     enabled,
			Endpoint:    a.Endpoint,
		})
	}
	return out
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite, DriverSQLiteCGO:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, sqlite3, memory", c.Database.Driver)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Stream.QueueSize <= 0 {
		return fmt.Errorf("stream.queue_size must be positive")
	}
	if c.Runtime.Timeout <= 0 || c.Stream.Keepalive <= 0 || c.Stream.FlushTimeout <= 0 {
		return fmt.Errorf("runtime.timeout, stream.keepalive and stream.flush_timeout must be positive")
	}

	if c.Events.Kafka.Enabled {
		if len(c.Events.Kafka.Brokers) == 0 {
			return fmt.Errorf("events.kafka.brokers is required when kafka is enabled")
		}
		if c.Events.Kafka.Topic == "" {
			return fmt.Errorf("events.kafka.topic is required when kafka is enabled")
		}
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d].agent_id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents[%d]: duplicate agent_id %q", i, a.ID)
		}
		seen[a.ID] = true
		if a.Endpoint == "" && c.Runtime.Address == "" && !c.Runtime.Echo {
			return fmt.Errorf("agent %q has no endpoint and no default runtime is configured", a.ID)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"runtime.timeout", cfg.Runtime.TimeoutRaw, &cfg.Runtime.Timeout},
		{"stream.keepalive", cfg.Stream.KeepaliveRaw, &cfg.Stream.Keepalive},
		{"stream.flush_timeout", cfg.Stream.FlushTimeoutRaw, &cfg.Stream.FlushTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
