package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override (TM_SERVER_PORT, ...).
const EnvPrefix = "TM"

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Credentials come from the environment only.
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           v.GetString("server.host"),
			Port:           v.GetInt("server.port"),
			GRPCPort:       v.GetInt("server.grpc_port"),
			RequestTimeout: v.GetDuration("server.request_timeout"),
		},
		Criteria: CriteriaConfig{
			BaseURL:    v.GetString("criteria.base_url"),
			Path:       v.GetString("criteria.path"),
			HealthPath: v.GetString("criteria.health_path"),
			Timeout:    v.GetDuration("criteria.timeout"),
			DBURL:      v.GetString("criteria.db_url"),
			RedisURL:   v.GetString("criteria.redis_url"),
			CacheTTL:   v.GetDuration("criteria.cache_ttl"),
		},
		Phenotype: PhenotypeConfig{
			BaseURL:      v.GetString("phenotype.base_url"),
			HealthPath:   v.GetString("phenotype.health_path"),
			StatusPath:   v.GetString("phenotype.status_path"),
			Timeout:      v.GetDuration("phenotype.timeout"),
			PageSize:     v.GetInt("phenotype.page_size"),
			InitTimeout:  v.GetDuration("phenotype.init_timeout"),
			InitInterval: v.GetDuration("phenotype.init_interval"),
		},
		Cache: CacheConfig{
			Enabled:      v.GetBool("cache.enabled"),
			BatchSize:    v.GetInt("cache.batch_size"),
			LoadAttempts: v.GetInt("cache.load_attempts"),
			RetryDelay:   v.GetDuration("cache.retry_delay"),
		},
		Match: MatchConfig{
			DefaultMinMatch: v.GetFloat64("match.default_min_match"),
			DefaultLimit:    v.GetInt("match.default_limit"),
		},
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.grpc_port", d.Server.GRPCPort)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout.String())

	v.SetDefault("criteria.base_url", d.Criteria.BaseURL)
	v.SetDefault("criteria.path", d.Criteria.Path)
	v.SetDefault("criteria.health_path", d.Criteria.HealthPath)
	v.SetDefault("criteria.timeout", d.Criteria.Timeout.String())
	v.SetDefault("criteria.db_url", d.Criteria.DBURL)
	v.SetDefault("criteria.redis_url", d.Criteria.RedisURL)
	v.SetDefault("criteria.cache_ttl", d.Criteria.CacheTTL.String())

	v.SetDefault("phenotype.base_url", d.Phenotype.BaseURL)
	v.SetDefault("phenotype.health_path", d.Phenotype.HealthPath)
	v.SetDefault("phenotype.status_path", d.Phenotype.StatusPath)
	v.SetDefault("phenotype.timeout", d.Phenotype.Timeout.String())
	v.SetDefault("phenotype.page_size", d.Phenotype.PageSize)
	v.SetDefault("phenotype.init_timeout", d.Phenotype.InitTimeout.String())
	v.SetDefault("phenotype.init_interval", d.Phenotype.InitInterval.String())

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.batch_size", d.Cache.BatchSize)
	v.SetDefault("cache.load_attempts", d.Cache.LoadAttempts)
	v.SetDefault("cache.retry_delay", d.Cache.RetryDelay.String())

	v.SetDefault("match.default_min_match", d.Match.DefaultMinMatch)
	v.SetDefault("match.default_limit", d.Match.DefaultLimit)
}

// Validate checks port ranges, positive sizes and timeouts, and URL syntax.
func Validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.GRPCPort < 0 || cfg.Server.GRPCPort > 65535 {
		return fmt.Errorf("grpc_port must be between 0 and 65535, got %d", cfg.Server.GRPCPort)
	}
	if cfg.Server.GRPCPort != 0 && cfg.Server.GRPCPort == cfg.Server.Port {
		return fmt.Errorf("grpc_port must differ from port, both are %d", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", cfg.Server.RequestTimeout)
	}

	if err := validateURL("criteria.base_url", cfg.Criteria.BaseURL); err != nil {
		return err
	}
	if !strings.Contains(cfg.Criteria.Path, "{trialID}") {
		return fmt.Errorf("criteria.path must contain {trialID}, got %q", cfg.Criteria.Path)
	}
	if cfg.Criteria.Timeout <= 0 {
		return fmt.Errorf("criteria.timeout must be positive, got %v", cfg.Criteria.Timeout)
	}
	if cfg.Criteria.RedisURL != "" && cfg.Criteria.CacheTTL <= 0 {
		return fmt.Errorf("criteria.cache_ttl must be positive, got %v", cfg.Criteria.CacheTTL)
	}

	if err := validateURL("phenotype.base_url", cfg.Phenotype.BaseURL); err != nil {
		return err
	}
	if cfg.Phenotype.Timeout <= 0 {
		return fmt.Errorf("phenotype.timeout must be positive, got %v", cfg.Phenotype.Timeout)
	}
	if cfg.Phenotype.PageSize <= 0 {
		return fmt.Errorf("phenotype.page_size must be positive, got %d", cfg.Phenotype.PageSize)
	}
	if cfg.Phenotype.InitTimeout < 0 {
		return fmt.Errorf("phenotype.init_timeout must not be negative, got %v", cfg.Phenotype.InitTimeout)
	}
	if cfg.Phenotype.InitTimeout > 0 && cfg.Phenotype.InitInterval <= 0 {
		return fmt.Errorf("phenotype.init_interval must be positive, got %v", cfg.Phenotype.InitInterval)
	}

	if cfg.Cache.BatchSize <= 0 {
		return fmt.Errorf("cache.batch_size must be positive, got %d", cfg.Cache.BatchSize)
	}
	if cfg.Cache.LoadAttempts <= 0 {
		return fmt.Errorf("cache.load_attempts must be positive, got %d", cfg.Cache.LoadAttempts)
	}
	if cfg.Cache.RetryDelay < 0 {
		return fmt.Errorf("cache.retry_delay must not be negative, got %v", cfg.Cache.RetryDelay)
	}

	if cfg.Match.DefaultMinMatch < 0 || cfg.Match.DefaultMinMatch > 100 {
		return fmt.Errorf("match.default_min_match must be between 0 and 100, got %v", cfg.Match.DefaultMinMatch)
	}
	if cfg.Match.DefaultLimit < 0 {
		return fmt.Errorf("match.default_limit must not be negative, got %d", cfg.Match.DefaultLimit)
	}
	return nil
}

func validateURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", key, raw)
	}
	return nil
}

// validateNoSecretsInConfig rejects connection URLs with embedded passwords
// when they come from a config file.
func validateNoSecretsInConfig(v *viper.Viper) error {
	for _, key := range []string{"criteria.db_url", "criteria.redis_url"} {
		if !v.InConfig(key) {
			continue
		}
		u, err := url.Parse(v.GetString(key))
		if err != nil {
			continue
		}
		if _, hasPassword := u.User.Password(); hasPassword {
			envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
			return fmt.Errorf("credentials not allowed in config files (use %s environment variable)", envKey)
		}
	}
	return nil
}
