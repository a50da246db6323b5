package config

import "time"

// Config represents the complete queuedjobs configuration.
type Config struct {
	Service  ServiceConfig          `yaml:"service"`
	State    StateConfig            `yaml:"state"`
	Dispatch DispatchConfig         `yaml:"dispatch"`
	API      APIConfig              `yaml:"api,omitempty"`
	Webhooks *WebhooksConfig        `yaml:"webhooks,omitempty"`
	JobTypes map[string]JobTypeConf `yaml:"job_types"`
	Include  []string               `yaml:"include,omitempty"`

	// SourceFiles lists every file Load read, root first.
	SourceFiles []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name              string        `yaml:"name"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	// ArchiveRetention prunes completed/broken jobs older than this. 0 keeps them.
	ArchiveRetention time.Duration `yaml:"archive_retention"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
}

// StateConfig selects and configures the queue backend.
type StateConfig struct {
	Driver string      `yaml:"driver"` // sqlite, postgres, redis, memory
	Path   string      `yaml:"path"`
	DSN    string      `yaml:"dsn,omitempty"`
	Redis  RedisConfig `yaml:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// DispatchConfig is the retry and staleness policy.
type DispatchConfig struct {
	Capacity    int           `yaml:"capacity"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	StaleAfter  time.Duration `yaml:"stale_after"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the legacy single bearer token (admin/full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Name   string   `yaml:"name,omitempty"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// WebhooksConfig defines the signed inbound submission listener.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint submits a job of JobType for every verified POST to Path.
type WebhookEndpoint struct {
	Path            string `yaml:"path"`
	JobType         string `yaml:"job_type"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	MaxBodySize     string `yaml:"max_body_size,omitempty"`
	Priority        int    `yaml:"priority,omitempty"`
	// Activate queues the submitted job immediately. Defaults to true.
	Activate *bool `yaml:"activate,omitempty"`
}

// JobTypeConf registers an exec job type: a command that speaks the
// stdin/stdout JSON protocol.
type JobTypeConf struct {
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	WorkDir     string            `yaml:"workdir,omitempty"`
	Timeout     time.Duration     `yaml:"timeout,omitempty"`
	MaxAttempts int               `yaml:"max_attempts,omitempty"`
	Priority    int               `yaml:"priority,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:              "queuedjobs",
			TickInterval:      5 * time.Second,
			ReconcileInterval: time.Minute,
			LogLevel:          "info",
			LogFormat:         "json",
		},
		State: StateConfig{
			Driver: "sqlite",
			Path:   "./data/queuedjobs.db",
			Redis: RedisConfig{
				Prefix: "queuedjobs:",
			},
		},
		Dispatch: DefaultDispatch(),
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		JobTypes: make(map[string]JobTypeConf),
	}
}

func DefaultDispatch() DispatchConfig {
	return DispatchConfig{
		Capacity:    4,
		MaxAttempts: 3,
		BackoffBase: 30 * time.Second,
		BackoffMax:  time.Hour,
		StaleAfter:  15 * time.Minute,
	}
}

// DefaultJobTimeout bounds an exec job type with no timeout configured.
const DefaultJobTimeout = 5 * time.Minute
