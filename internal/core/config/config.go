// Package config provides configuration management for RouteKeeper services.
package config

import (
	"time"

	"github.com/solatis/routekeeper/internal/types"
)

// Config is the complete service configuration.
type Config struct {
	Server ServerConfig
	Admin  AdminConfig
	Engine EngineConfig
	Rules  RulesConfig
}

// ServerConfig holds the HTTP host settings.
type ServerConfig struct {
	Host        string
	Port        int
	ReadTimeout time.Duration
	// Upstream is the base URL requests are proxied to after the engine
	// runs. Empty means requests no action answered get 404.
	Upstream string
}

// AdminConfig holds the admin endpoints. Zero port or empty address
// disables the endpoint.
type AdminConfig struct {
	GRPCPort    int
	MetricsAddr string
}

// EngineConfig holds rule engine settings.
type EngineConfig struct {
	MaxIterations int
	Phases        []string
	ActionTimeout time.Duration
}

// RulesConfig selects the rule source: a YAML file or a database.
type RulesConfig struct {
	File  string
	Watch bool
	DBURL string
}

// Default returns configuration with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			ReadTimeout: 30 * time.Second,
		},
		Admin: AdminConfig{
			GRPCPort:    50051,
			MetricsAddr: ":9090",
		},
		Engine: EngineConfig{
			MaxIterations: types.DefaultMaxIterations,
			Phases:        types.DefaultPhases.Names(),
			ActionTimeout: 100 * time.Millisecond,
		},
	}
}

// PhaseSet resolves the configured phase names.
func (c *Config) PhaseSet() (types.Phases, error) {
	return types.NewPhases(c.Engine.Phases...)
}

// FromDatabase reports whether rules are loaded from SQL storage.
func (c *Config) FromDatabase() bool {
	return c.Rules.DBURL != ""
}
