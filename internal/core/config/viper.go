package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RK_SERVER_PORT.
const EnvPrefix = "RK"

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Defaults mirror Default()
	def := Default()
	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.read_timeout", def.Server.ReadTimeout.String())
	v.SetDefault("server.upstream", def.Server.Upstream)
	v.SetDefault("admin.grpc_port", def.Admin.GRPCPort)
	v.SetDefault("admin.metrics_addr", def.Admin.MetricsAddr)
	v.SetDefault("engine.max_iterations", def.Engine.MaxIterations)
	v.SetDefault("engine.phases", def.Engine.Phases)
	v.SetDefault("engine.action_timeout", def.Engine.ActionTimeout.String())
	v.SetDefault("rules.file", "")
	v.SetDefault("rules.watch", false)
	v.SetDefault("rules.db_url", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Credentials belong in the environment, never in a config file
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:        v.GetString("server.host"),
			Port:        v.GetInt("server.port"),
			ReadTimeout: v.GetDuration("server.read_timeout"),
			Upstream:    v.GetString("server.upstream"),
		},
		Admin: AdminConfig{
			GRPCPort:    v.GetInt("admin.grpc_port"),
			MetricsAddr: v.GetString("admin.metrics_addr"),
		},
		Engine: EngineConfig{
			MaxIterations: v.GetInt("engine.max_iterations"),
			Phases:        v.GetStringSlice("engine.phases"),
			ActionTimeout: v.GetDuration("engine.action_timeout"),
		},
		Rules: RulesConfig{
			File:  v.GetString("rules.file"),
			Watch: v.GetBool("rules.watch"),
			DBURL: v.GetString("rules.db_url"),
		},
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ports, positive limits, the phase list, the upstream URL
// and that exactly one rule source is configured.
func Validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Admin.GRPCPort < 0 || cfg.Admin.GRPCPort > 65535 {
		return fmt.Errorf("admin.grpc_port must be between 0 and 65535, got %d", cfg.Admin.GRPCPort)
	}
	if cfg.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be positive, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Engine.MaxIterations <= 0 {
		return fmt.Errorf("engine.max_iterations must be positive, got %d", cfg.Engine.MaxIterations)
	}
	if cfg.Engine.ActionTimeout < 0 {
		return fmt.Errorf("engine.action_timeout must not be negative, got %v", cfg.Engine.ActionTimeout)
	}
	if _, err := cfg.PhaseSet(); err != nil {
		return fmt.Errorf("engine.phases: %w", err)
	}
	if cfg.Server.Upstream != "" {
		u, err := url.Parse(cfg.Server.Upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("server.upstream must be an absolute URL, got %q", cfg.Server.Upstream)
		}
	}

	switch {
	case cfg.Rules.File == "" && cfg.Rules.DBURL == "":
		return fmt.Errorf("no rule source: set rules.file or rules.db_url")
	case cfg.Rules.File != "" && cfg.Rules.DBURL != "":
		return fmt.Errorf("rules.file and rules.db_url are mutually exclusive")
	case cfg.Rules.Watch && cfg.Rules.File == "":
		return fmt.Errorf("rules.watch requires rules.file")
	}
	return nil
}

// validateNoSecretsInConfig rejects database URLs carrying a password in a
// config file; they must come from RK_RULES_DB_URL.
func validateNoSecretsInConfig(v *viper.Viper) error {
	if !v.InConfig("rules.db_url") {
		return nil
	}
	raw := v.GetString("rules.db_url")
	if u, err := url.Parse(raw); err == nil && u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			return fmt.Errorf("database credentials not allowed in config files (use RK_RULES_DB_URL environment variable)")
		}
	}
	return nil
}
