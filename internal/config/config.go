// Package config loads client and server settings from defaults, an optional
// YAML file, RELAYSTATE_* environment variables and bound command flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/agentworkforce/relaystate/internal/legacysync"
	"github.com/agentworkforce/relaystate/internal/presence"
	"github.com/agentworkforce/relaystate/internal/realtime"
	"github.com/agentworkforce/relaystate/internal/remote"
	"github.com/agentworkforce/relaystate/internal/synccontroller"
)

const EnvPrefix = "RELAYSTATE"

type Config struct {
	Client ClientConfig `mapstructure:"client"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
}

type ClientConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	Token       string `mapstructure:"token"`
	WorkspaceID string `mapstructure:"workspace_id"`
	// Mode is "workspace" or "simple".
	Mode     string `mapstructure:"mode"`
	StateDir string `mapstructure:"state_dir"`
	// SchemaFile overrides the built-in document schema.
	SchemaFile string `mapstructure:"schema_file"`
	// Legacy selects the single-writer engine instead of the controller.
	Legacy               bool          `mapstructure:"legacy"`
	RealtimeEnabled      bool          `mapstructure:"realtime_enabled"`
	FallbackPollInterval time.Duration `mapstructure:"fallback_poll_interval"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	EditGrace            time.Duration `mapstructure:"edit_grace"`
	PullDebounce         time.Duration `mapstructure:"pull_debounce"`
	LegacyPollInterval   time.Duration `mapstructure:"legacy_poll_interval"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	Audience        string        `mapstructure:"audience"`
	StateBackendDSN string        `mapstructure:"state_backend_dsn"`
	RedisURL        string        `mapstructure:"redis_url"`
	RedisChannel    string        `mapstructure:"redis_channel"`
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	MaxDocumentSize int           `mapstructure:"max_document_bytes"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	PresenceStale   time.Duration `mapstructure:"presence_stale_after"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Loader wraps a viper instance so commands can bind their flags before
// loading.
type Loader struct {
	v *viper.Viper
}

func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return &Loader{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("client.base_url", "")
	v.SetDefault("client.token", "")
	v.SetDefault("client.workspace_id", "")
	v.SetDefault("client.mode", string(remote.ModeWorkspace))
	v.SetDefault("client.state_dir", ".relaystate")
	v.SetDefault("client.schema_file", "")
	v.SetDefault("client.legacy", false)
	v.SetDefault("client.realtime_enabled", true)
	v.SetDefault("client.fallback_poll_interval", realtime.DefaultFallbackPollInterval)
	v.SetDefault("client.heartbeat_interval", realtime.DefaultHeartbeatInterval)
	v.SetDefault("client.edit_grace", presence.DefaultGrace)
	v.SetDefault("client.pull_debounce", synccontroller.DefaultPullDebounce)
	v.SetDefault("client.legacy_poll_interval", legacysync.DefaultPollInterval)
	v.SetDefault("client.request_timeout", 15*time.Second)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.jwt_secret", "dev-secret")
	v.SetDefault("server.audience", "relaystate")
	v.SetDefault("server.state_backend_dsn", "")
	v.SetDefault("server.redis_url", "")
	v.SetDefault("server.redis_channel", "relaystate:hub")
	v.SetDefault("server.rate_limit_rps", 0.0)
	v.SetDefault("server.rate_limit_burst", 0)
	v.SetDefault("server.max_body_bytes", int64(1<<20))
	v.SetDefault("server.max_document_bytes", 0)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.presence_stale_after", 3*realtime.DefaultHeartbeatInterval)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// BindFlag lets flag override key when the flag was set on the command line.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("bind %s: flag not found", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Load reads file when given and decodes the merged settings.
func (l *Loader) Load(file string) (Config, error) {
	if file = strings.TrimSpace(file); file != "" {
		l.v.SetConfigFile(file)
		if err := l.v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Client.Mode = string(remote.ParseMode(cfg.Client.Mode))
	return cfg, nil
}

// Load is NewLoader().Load(file).
func Load(file string) (Config, error) {
	return NewLoader().Load(file)
}

var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks the client settings that do not depend on a backend being
// reachable. A missing base URL or token is not an error: the client then
// runs local-only or reports a configuration status.
func (c ClientConfig) Validate() error {
	var problems []string
	if c.StateDir == "" {
		problems = append(problems, "state_dir is required")
	}
	if c.FallbackPollInterval <= 0 {
		problems = append(problems, "fallback_poll_interval must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		problems = append(problems, "heartbeat_interval must be positive")
	}
	if c.EditGrace < 0 || c.PullDebounce < 0 {
		problems = append(problems, "edit_grace and pull_debounce cannot be negative")
	}
	if c.LegacyPollInterval <= 0 {
		problems = append(problems, "legacy_poll_interval must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// RemoteConfigured reports whether a gateway should be constructed.
func (c ClientConfig) RemoteConfigured() bool {
	return strings.TrimSpace(c.BaseURL) != ""
}

func (s ServerConfig) Validate() error {
	var problems []string
	if strings.TrimSpace(s.Addr) == "" {
		problems = append(problems, "addr is required")
	}
	if strings.TrimSpace(s.JWTSecret) == "" {
		problems = append(problems, "jwt_secret is required")
	}
	if s.RateLimitRPS < 0 {
		problems = append(problems, "rate_limit_rps cannot be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
