// Package config provides configuration management for trialmatch services.
package config

import (
	"time"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig
	Criteria  CriteriaConfig
	Phenotype PhenotypeConfig
	Cache     CacheConfig
	Match     MatchConfig
}

// ServerConfig holds the HTTP and gRPC listener settings.
type ServerConfig struct {
	Host           string
	Port           int
	GRPCPort       int // 0 disables the gRPC health listener
	RequestTimeout time.Duration
}

// CriteriaConfig locates the criteria service and its optional backing stores.
type CriteriaConfig struct {
	BaseURL    string
	Path       string // path template with a {trialID} placeholder
	HealthPath string
	Timeout    time.Duration
	DBURL      string // when set, rule sets are read from parsed_criteria directly
	RedisURL   string // when set, rule sets are cached in redis
	CacheTTL   time.Duration
}

// PhenotypeConfig locates the phenotype service.
type PhenotypeConfig struct {
	BaseURL      string
	HealthPath   string
	StatusPath   string
	Timeout      time.Duration
	PageSize     int
	InitTimeout  time.Duration // 0 skips waiting for upstream initialization
	InitInterval time.Duration
}

// CacheConfig controls the patient cache bulk load.
type CacheConfig struct {
	Enabled      bool
	BatchSize    int
	LoadAttempts int
	RetryDelay   time.Duration
}

// MatchConfig holds match request defaults.
type MatchConfig struct {
	DefaultMinMatch float64
	DefaultLimit    int
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8004,
			GRPCPort:       0,
			RequestTimeout: 60 * time.Second,
		},
		Criteria: CriteriaConfig{
			BaseURL:    "http://localhost:8002",
			Path:       "/criteria/{trialID}",
			HealthPath: "/health",
			Timeout:    30 * time.Second,
			CacheTTL:   10 * time.Minute,
		},
		Phenotype: PhenotypeConfig{
			BaseURL:      "http://localhost:8003",
			HealthPath:   "/health",
			StatusPath:   "/initialization-status",
			Timeout:      30 * time.Second,
			PageSize:     100,
			InitTimeout:  120 * time.Second,
			InitInterval: 5 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:      true,
			BatchSize:    10,
			LoadAttempts: 3,
			RetryDelay:   5 * time.Second,
		},
		Match: MatchConfig{
			DefaultMinMatch: 0,
			DefaultLimit:    0,
		},
	}
}
