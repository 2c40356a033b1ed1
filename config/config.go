// Copyright (c) 2025 Joaquim Verges
// SPDX-License-Identifier: MIT

// Package config loads deployment configuration from YAML. Environment
// variables in the file are expanded before parsing, so secrets stay
// out of the file itself.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joaquim-verges/x402scan/facilitators"
)

// Config is the full service configuration.
type Config struct {
	Chain        ChainConfig                `yaml:"chain"`
	Database     DatabaseConfig             `yaml:"database"`
	API          APIConfig                  `yaml:"api"`
	Analytics    AnalyticsConfig            `yaml:"analytics"`
	Facilitators []facilitators.Facilitator `yaml:"facilitators"`
}

// ChainConfig describes the chain and token being indexed.
type ChainConfig struct {
	ID            int64  `yaml:"id"`
	Name          string `yaml:"name"`
	RPC           string `yaml:"rpc"`
	TokenAddress  string `yaml:"token_address"`
	StartBlock    uint64 `yaml:"start_block"`
	Confirmations uint64 `yaml:"confirmations"`
	BatchSize     uint64 `yaml:"batch_size"`
	PollInterval  string `yaml:"poll_interval"`
}

// DatabaseConfig selects and configures the storage backend.
type DatabaseConfig struct {
	Backend string `yaml:"backend"` // sqlite or postgres
	URL     string `yaml:"url"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Port              int   `yaml:"port"`
	RateLimitPerSec   int64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst    int64 `yaml:"rate_limit_burst"`
	RateLimitDisabled bool  `yaml:"rate_limit_disabled"`
}

// AnalyticsConfig tunes cache and query behavior.
type AnalyticsConfig struct {
	CacheTTL        string `yaml:"cache_ttl"`
	RefreshInterval string `yaml:"refresh_interval"`
	DefaultDays     int    `yaml:"default_days"`
	MaxDataPoints   int    `yaml:"max_data_points"`
	DefaultPageSize int    `yaml:"default_page_size"`
	MaxPageSize     int    `yaml:"max_page_size"`
}

// Default returns the configuration used when no file is given: Base
// mainnet USDC with a local SQLite database.
func Default() *Config {
	return &Config{
		Chain: ChainConfig{
			ID:            8453,
			Name:          "base",
			RPC:           "https://mainnet.base.org",
			TokenAddress:  "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
			Confirmations: 5,
			BatchSize:     2000,
			PollInterval:  "5s",
		},
		Database: DatabaseConfig{
			Backend: "sqlite",
			URL:     "x402scan.db",
		},
		API: APIConfig{
			Port:            8080,
			RateLimitPerSec: 10,
			RateLimitBurst:  20,
		},
		Analytics: AnalyticsConfig{
			CacheTTL:        "5m",
			RefreshInterval: "1m",
			DefaultDays:     30,
			MaxDataPoints:   365,
			DefaultPageSize: 20,
			MaxPageSize:     100,
		},
		Facilitators: facilitators.Defaults(),
	}
}

// Load reads a YAML config file, expanding ${VAR} references from the
// environment. Missing fields fall back to defaults; facilitators in
// the file extend the built-in set.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	fileFacilitators := cfg.Facilitators
	cfg.Facilitators = nil
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Facilitators = append(fileFacilitators, cfg.Facilitators...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields other packages cannot default away.
func (c *Config) Validate() error {
	if c.Chain.RPC == "" {
		return fmt.Errorf("chain.rpc is required")
	}
	if facilitators.NormalizeAddress(c.Chain.TokenAddress) == "" {
		return fmt.Errorf("chain.token_address %q is not a valid address", c.Chain.TokenAddress)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if _, err := c.PollInterval(); err != nil {
		return err
	}
	if _, err := c.CacheTTL(); err != nil {
		return err
	}
	if _, err := c.RefreshInterval(); err != nil {
		return err
	}
	return nil
}

// PollInterval parses the chain poll interval.
func (c *Config) PollInterval() (time.Duration, error) {
	return parseDuration("chain.poll_interval", c.Chain.PollInterval, 5*time.Second)
}

// CacheTTL parses the analytics cache TTL.
func (c *Config) CacheTTL() (time.Duration, error) {
	return parseDuration("analytics.cache_ttl", c.Analytics.CacheTTL, 5*time.Minute)
}

// RefreshInterval parses the background refresh interval.
func (c *Config) RefreshInterval() (time.Duration, error) {
	return parseDuration("analytics.refresh_interval", c.Analytics.RefreshInterval, time.Minute)
}

func parseDuration(field, raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}
