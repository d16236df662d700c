// Package config loads runtime configuration for rivetkit hosts and clients.
//
// Configuration is merged from multiple sources, later sources overriding
// earlier ones:
//  1. Default values
//  2. Configuration file (config.yaml in ., ./configs, ~/.rivetkit, /etc/rivetkit)
//  3. .env file
//  4. Environment variables with the RIVET_ prefix
//
// Nested keys map to underscored environment variables, for example
// RIVET_SERVER_PORT=8080 or RIVET_STORAGE_PATH=/var/lib/rivetkit/data.db.
// RIVET_EXPOSE_ERRORS and NODE_ENV are read directly by the error layer and
// need no entry here.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rivet-dev/rivetkit-go/actor"
)

// ServerConfig contains HTTP gateway settings.
type ServerConfig struct {
	// Host is the bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the listen port (default: 6420)
	Port int `mapstructure:"port"`

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// RateLimit is the allowed requests per second, 0 disables limiting
	RateLimit float64 `mapstructure:"rate_limit"`
}

// StorageConfig selects and tunes the kv driver backing all actors.
type StorageConfig struct {
	// Driver is one of: bolt, memory, redis (default: bolt)
	Driver string `mapstructure:"driver"`

	// Path is the bolt database file (default: rivetkit.db)
	Path string `mapstructure:"path"`

	// RedisURL is the redis connection URL for the redis driver
	RedisURL string `mapstructure:"redis_url"`

	// WorkerPollInterval is the alarm granularity bound
	WorkerPollInterval time.Duration `mapstructure:"worker_poll_interval"`
}

// RuntimeConfig holds the per-actor execution limits.
type RuntimeConfig struct {
	// ActionTimeout is the implicit deadline of every action
	ActionTimeout time.Duration `mapstructure:"action_timeout"`

	// HibernationIdle is how long an actor must stay idle before it is
	// stopped and persisted
	HibernationIdle time.Duration `mapstructure:"hibernation_idle"`

	// SendQueueCap bounds each connection's outgoing frame queue
	SendQueueCap int `mapstructure:"send_queue_cap"`

	// MaxHibernatableConns caps the persisted reconnect list per actor
	MaxHibernatableConns int `mapstructure:"max_hibernatable_conns"`

	// MaxIncomingBytes bounds one client frame or request body
	MaxIncomingBytes int `mapstructure:"max_incoming_bytes"`

	// MaxOutgoingBytes bounds one server frame
	MaxOutgoingBytes int `mapstructure:"max_outgoing_bytes"`

	// TraceEnabled records action spans into per-actor trace namespaces
	TraceEnabled bool `mapstructure:"trace_enabled"`
}

// Options maps the runtime section onto actor options.
func (r RuntimeConfig) Options() actor.Options {
	opts := actor.DefaultOptions()
	if r.ActionTimeout > 0 {
		opts.ActionTimeout = r.ActionTimeout
	}
	if r.HibernationIdle > 0 {
		opts.HibernationIdle = r.HibernationIdle
	}
	if r.SendQueueCap > 0 {
		opts.SendQueueCap = r.SendQueueCap
	}
	if r.MaxHibernatableConns > 0 {
		opts.MaxHibernatableConns = r.MaxHibernatableConns
	}
	if r.MaxIncomingBytes > 0 {
		opts.MaxIncomingBytes = r.MaxIncomingBytes
	}
	if r.MaxOutgoingBytes > 0 {
		opts.MaxOutgoingBytes = r.MaxOutgoingBytes
	}
	opts.TraceEnabled = r.TraceEnabled
	return opts
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is trace, debug, info, warn, or error (default: info)
	Level string `mapstructure:"level"`

	// Format is json or text (default: json)
	Format string `mapstructure:"format"`
}

// ClientConfig points an out-of-process client at a gateway.
type ClientConfig struct {
	// Endpoint is the gateway base URL (e.g. http://localhost:6420)
	Endpoint string `mapstructure:"endpoint"`

	// Namespace scopes actor names for multi-tenant deployments
	Namespace string `mapstructure:"namespace"`

	// Token is sent as the connection token path segment
	Token string `mapstructure:"token"`

	// Encoding is json or bare (default: json)
	Encoding string `mapstructure:"encoding"`
}

// ServiceConfig contains deployment metadata.
type ServiceConfig struct {
	// Name identifies the process in logs
	Name string `mapstructure:"name"`

	// Environment is development, staging, or production. Falls back to
	// NODE_ENV when unset.
	Environment string `mapstructure:"environment"`
}

// Config is the root configuration for a rivetkit process.
type Config struct {
	Service ServiceConfig `mapstructure:"service"`
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Logging LoggingConfig `mapstructure:"logging"`
	Client  ClientConfig  `mapstructure:"client"`
}

// Loader provides configuration loading.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a loader with the given environment prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{v: viper.New(), prefix: envPrefix}
}

// SetDefaults installs the standard defaults. Call before Load.
func (l *Loader) SetDefaults() {
	l.v.SetDefault("service.name", "rivetkit")
	l.v.SetDefault("service.environment", "")

	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 6420)
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.rate_limit", 0)

	l.v.SetDefault("storage.driver", "bolt")
	l.v.SetDefault("storage.path", "rivetkit.db")
	l.v.SetDefault("storage.redis_url", "redis://localhost:6379/0")
	l.v.SetDefault("storage.worker_poll_interval", "15s")

	l.v.SetDefault("runtime.action_timeout", "15s")
	l.v.SetDefault("runtime.hibernation_idle", "30s")
	l.v.SetDefault("runtime.send_queue_cap", 256)
	l.v.SetDefault("runtime.max_hibernatable_conns", 128)
	l.v.SetDefault("runtime.max_incoming_bytes", 1<<20)
	l.v.SetDefault("runtime.max_outgoing_bytes", 4<<20)
	l.v.SetDefault("runtime.trace_enabled", false)

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "json")

	l.v.SetDefault("client.endpoint", "http://localhost:6420")
	l.v.SetDefault("client.encoding", "json")
}

// Load reads configuration from file, .env, and environment variables into
// target. If cfgFile is empty, standard locations are searched.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.rivetkit")
		l.v.AddConfigPath("/etc/rivetkit")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig() // .env is optional

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	// Short client aliases, so RIVET_ENDPOINT works as well as
	// RIVET_CLIENT_ENDPOINT.
	_ = l.v.BindEnv("client.endpoint", l.prefix+"_CLIENT_ENDPOINT", l.prefix+"_ENDPOINT")
	_ = l.v.BindEnv("client.namespace", l.prefix+"_CLIENT_NAMESPACE", l.prefix+"_NAMESPACE")
	_ = l.v.BindEnv("client.token", l.prefix+"_CLIENT_TOKEN", l.prefix+"_TOKEN")

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}
	return nil
}

// LoadConfig loads and validates the full configuration with the RIVET
// environment prefix.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader("RIVET")
	loader.SetDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}
	if cfg.Service.Environment == "" {
		cfg.Service.Environment = os.Getenv("NODE_ENV")
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the loaded configuration for unusable values.
func Validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	switch cfg.Storage.Driver {
	case "bolt", "memory", "redis":
	default:
		return fmt.Errorf("unknown storage driver: %q", cfg.Storage.Driver)
	}
	if cfg.Storage.Driver == "bolt" && cfg.Storage.Path == "" {
		return fmt.Errorf("storage path is required for the bolt driver")
	}
	if cfg.Storage.Driver == "redis" && cfg.Storage.RedisURL == "" {
		return fmt.Errorf("storage redis_url is required for the redis driver")
	}
	switch cfg.Client.Encoding {
	case "", "json", "bare":
	default:
		return fmt.Errorf("unknown client encoding: %q", cfg.Client.Encoding)
	}
	return nil
}

func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
