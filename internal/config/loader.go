package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory holding
// config.yaml. Files named in include are merged in order, later files
// taking precedence for non-zero values.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourceFiles = []string{absPath}

	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	cfg = applyConfigDefaults(cfg)

	if err := verifyAllConfigHashes(cfg.SourceFiles); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	for name, jt := range cfg.JobTypes {
		cfg.JobTypes[name] = mergeJobTypeDefaults(jt, cfg.Dispatch)
	}

	return cfg, nil
}

func resolveConfigPath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)

		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}
		visited[absPath] = true

		included, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		cfg.SourceFiles = append(cfg.SourceFiles, absPath)
		deepMergeConfig(cfg, included)

		if len(included.Include) > 0 {
			if err := loadIncludes(cfg, included.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadConfigFile loads and parses a single config file without defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// deepMergeConfig merges src into dst, with src taking precedence for non-zero values.
func deepMergeConfig(dst, src *Config) {
	mergeString(&dst.Service.Name, src.Service.Name)
	mergeNonZero(&dst.Service.TickInterval, src.Service.TickInterval)
	mergeNonZero(&dst.Service.ReconcileInterval, src.Service.ReconcileInterval)
	mergeNonZero(&dst.Service.ArchiveRetention, src.Service.ArchiveRetention)
	mergeString(&dst.Service.LogLevel, src.Service.LogLevel)
	mergeString(&dst.Service.LogFormat, src.Service.LogFormat)

	mergeString(&dst.State.Driver, src.State.Driver)
	mergeString(&dst.State.Path, src.State.Path)
	mergeString(&dst.State.DSN, src.State.DSN)
	mergeString(&dst.State.Redis.Addr, src.State.Redis.Addr)
	mergeString(&dst.State.Redis.Password, src.State.Redis.Password)
	mergeNonZero(&dst.State.Redis.DB, src.State.Redis.DB)
	mergeString(&dst.State.Redis.Prefix, src.State.Redis.Prefix)

	mergeNonZero(&dst.Dispatch.Capacity, src.Dispatch.Capacity)
	mergeNonZero(&dst.Dispatch.MaxAttempts, src.Dispatch.MaxAttempts)
	mergeNonZero(&dst.Dispatch.BackoffBase, src.Dispatch.BackoffBase)
	mergeNonZero(&dst.Dispatch.BackoffMax, src.Dispatch.BackoffMax)
	mergeNonZero(&dst.Dispatch.StaleAfter, src.Dispatch.StaleAfter)

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	mergeString(&dst.API.Listen, src.API.Listen)
	mergeString(&dst.API.Auth.APIKey, src.API.Auth.APIKey)
	dst.API.Auth.Tokens = append(dst.API.Auth.Tokens, src.API.Auth.Tokens...)

	if src.Webhooks != nil {
		if dst.Webhooks == nil {
			dst.Webhooks = &WebhooksConfig{}
		}
		mergeString(&dst.Webhooks.Listen, src.Webhooks.Listen)
		dst.Webhooks.Endpoints = append(dst.Webhooks.Endpoints, src.Webhooks.Endpoints...)
	}

	if src.JobTypes != nil {
		if dst.JobTypes == nil {
			dst.JobTypes = make(map[string]JobTypeConf)
		}
		for name, jt := range src.JobTypes {
			dst.JobTypes[name] = jt
		}
	}
}

func mergeString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func mergeNonZero[T comparable](dst *T, src T) {
	var zero T
	if src != zero {
		*dst = src
	}
}

// applyConfigDefaults fills values not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	mergeDefault(&cfg.Service.Name, defaults.Service.Name)
	mergeDefault(&cfg.Service.TickInterval, defaults.Service.TickInterval)
	mergeDefault(&cfg.Service.ReconcileInterval, defaults.Service.ReconcileInterval)
	mergeDefault(&cfg.Service.LogLevel, defaults.Service.LogLevel)
	mergeDefault(&cfg.Service.LogFormat, defaults.Service.LogFormat)

	mergeDefault(&cfg.State.Driver, defaults.State.Driver)
	if cfg.State.Driver == "sqlite" {
		mergeDefault(&cfg.State.Path, defaults.State.Path)
	}
	mergeDefault(&cfg.State.Redis.Prefix, defaults.State.Redis.Prefix)

	mergeDefault(&cfg.Dispatch.Capacity, defaults.Dispatch.Capacity)
	mergeDefault(&cfg.Dispatch.MaxAttempts, defaults.Dispatch.MaxAttempts)
	mergeDefault(&cfg.Dispatch.BackoffBase, defaults.Dispatch.BackoffBase)
	mergeDefault(&cfg.Dispatch.BackoffMax, defaults.Dispatch.BackoffMax)
	mergeDefault(&cfg.Dispatch.StaleAfter, defaults.Dispatch.StaleAfter)

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
	mergeDefault(&cfg.API.Listen, defaults.API.Listen)

	if cfg.JobTypes == nil {
		cfg.JobTypes = make(map[string]JobTypeConf)
	}
	return cfg
}

func mergeDefault[T comparable](dst *T, def T) {
	var zero T
	if *dst == zero {
		*dst = def
	}
}

// mergeJobTypeDefaults applies dispatch-wide values where a job type leaves
// them unset.
func mergeJobTypeDefaults(jt JobTypeConf, d DispatchConfig) JobTypeConf {
	if jt.Timeout == 0 {
		jt.Timeout = DefaultJobTimeout
	}
	if jt.MaxAttempts == 0 {
		jt.MaxAttempts = d.MaxAttempts
	}
	return jt
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if cfg.Service.TickInterval <= 0 {
		return fmt.Errorf("service.tick_interval must be positive")
	}
	if cfg.Service.ReconcileInterval <= 0 {
		return fmt.Errorf("service.reconcile_interval must be positive")
	}
	if cfg.Service.ArchiveRetention < 0 {
		return fmt.Errorf("service.archive_retention must not be negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if err := validateState(cfg.State); err != nil {
		return err
	}

	d := cfg.Dispatch
	switch {
	case d.Capacity <= 0:
		return fmt.Errorf("dispatch.capacity must be positive")
	case d.MaxAttempts <= 0:
		return fmt.Errorf("dispatch.max_attempts must be positive")
	case d.BackoffBase <= 0:
		return fmt.Errorf("dispatch.backoff_base must be positive")
	case d.BackoffMax < d.BackoffBase:
		return fmt.Errorf("dispatch.backoff_max (%s) must not be below backoff_base (%s)", d.BackoffMax, d.BackoffBase)
	case d.StaleAfter <= 0:
		return fmt.Errorf("dispatch.stale_after must be positive")
	}

	if cfg.API.Enabled {
		if err := checkUnresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d]", i)
			if tok.Token == "" {
				return fmt.Errorf("%s.token is required", field)
			}
			if err := checkUnresolved(field+".token", tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("%s.scopes must be non-empty", field)
			}
		}
	}

	if err := validateWebhooks(cfg.Webhooks, cfg.JobTypes); err != nil {
		return err
	}

	for name, jt := range cfg.JobTypes {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("job_types: empty job type name")
		}
		if jt.Command == "" {
			return fmt.Errorf("job type %q: command is required", name)
		}
		if jt.Timeout < 0 {
			return fmt.Errorf("job type %q: timeout must not be negative", name)
		}
		if jt.MaxAttempts < 0 {
			return fmt.Errorf("job type %q: max_attempts must not be negative", name)
		}
		for i, arg := range jt.Args {
			if err := checkUnresolved(fmt.Sprintf("job type %q: args[%d]", name, i), arg); err != nil {
				return err
			}
		}
		for k, v := range jt.Env {
			if err := checkUnresolved(fmt.Sprintf("job type %q: env.%s", name, k), v); err != nil {
				return err
			}
		}
	}

	return nil
}

func validateWebhooks(wc *WebhooksConfig, jobTypes map[string]JobTypeConf) error {
	if wc == nil || len(wc.Endpoints) == 0 {
		return nil
	}
	if wc.Listen == "" {
		return fmt.Errorf("webhooks.listen is required when endpoints are configured")
	}
	seen := make(map[string]bool, len(wc.Endpoints))
	for i, ep := range wc.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("%s.path must start with /", field)
		}
		if seen[ep.Path] {
			return fmt.Errorf("%s.path %q is duplicated", field, ep.Path)
		}
		seen[ep.Path] = true
		if _, ok := jobTypes[ep.JobType]; !ok {
			return fmt.Errorf("%s.job_type %q is not a configured job type", field, ep.JobType)
		}
		if ep.Secret == "" {
			return fmt.Errorf("%s.secret is required", field)
		}
		if err := checkUnresolved(field+".secret", ep.Secret); err != nil {
			return err
		}
		if ep.SignatureHeader == "" {
			return fmt.Errorf("%s.signature_header is required", field)
		}
	}
	return nil
}

func validateState(s StateConfig) error {
	switch s.Driver {
	case "sqlite":
		if s.Path == "" {
			return fmt.Errorf("state.path is required for the sqlite driver")
		}
	case "postgres":
		if s.DSN == "" {
			return fmt.Errorf("state.dsn is required for the postgres driver")
		}
		return checkUnresolved("state.dsn", s.DSN)
	case "redis":
		if s.Redis.Addr == "" {
			return fmt.Errorf("state.redis.addr is required for the redis driver")
		}
		return checkUnresolved("state.redis.password", s.Redis.Password)
	case "memory":
	default:
		return fmt.Errorf("state.driver must be one of: sqlite, postgres, redis, memory (got %q)", s.Driver)
	}
	return nil
}

// checkUnresolved reports a ${VAR} placeholder left after interpolation.
func checkUnresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
