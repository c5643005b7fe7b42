package cmd

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/solatis/routekeeper/internal/actions"
	"github.com/solatis/routekeeper/internal/core/config"
	"github.com/solatis/routekeeper/internal/core/db"
	"github.com/solatis/routekeeper/internal/core/reload"
	"github.com/solatis/routekeeper/internal/logging"
	"github.com/solatis/routekeeper/internal/rules"
)

// Version is the release reported by serve at startup.
const Version = "0.1.0"

var (
	configFile string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "routekeeper",
	Short: "RouteKeeper request routing rule engine",
	Long: `RouteKeeper matches HTTP requests against ordered rules in named phases
and runs the actions of matching rules to rewrite, answer or proxy them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.ConfigureLogger(logLevel, logFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", logging.FormatJSON, "log format (json, console)")
}

func Execute() error {
	return rootCmd.Execute()
}

// loadConfig loads the config file and environment. With rulesFile set the
// file replaces the configured rule source, so commands that take a rule
// file argument work without a config.
func loadConfig(rulesFile string) (*config.Config, error) {
	if rulesFile == "" {
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, nil
	}

	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.LoadConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	cfg.Rules.File = rulesFile
	cfg.Rules.DBURL = ""
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// engineOptions maps the engine section onto build options.
func engineOptions(cfg *config.Config) ([]rules.Option, error) {
	phases, err := cfg.PhaseSet()
	if err != nil {
		return nil, err
	}
	return []rules.Option{
		rules.WithPhases(phases),
		rules.WithMaxIterations(cfg.Engine.MaxIterations),
		rules.WithExecutor(actions.NewLuaExecutor(actions.WithTimeout(cfg.Engine.ActionTimeout))),
	}, nil
}

// openSource returns the configured rule source and a function releasing it.
func openSource(ctx context.Context, cfg *config.Config) (reload.Source, func(), error) {
	if !cfg.FromDatabase() {
		return reload.FileSource{Path: cfg.Rules.File}, func() {}, nil
	}

	database, err := db.Open(cfg.Rules.DBURL)
	if err != nil {
		return nil, nil, err
	}
	if err := requireMigrated(ctx, database); err != nil {
		database.Close()
		return nil, nil, err
	}
	store, err := db.NewRuleStore(database)
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	return reload.StoreSource{Store: store}, func() { database.Close() }, nil
}

// loadHolder builds the engine from the configured source.
func loadHolder(ctx context.Context, cfg *config.Config) (*reload.Holder, func(), error) {
	source, closeSource, err := openSource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	opts, err := engineOptions(cfg)
	if err != nil {
		closeSource()
		return nil, nil, err
	}

	holder := reload.NewHolder(source, log.Logger, opts...)
	if err := holder.Load(ctx); err != nil {
		closeSource()
		return nil, nil, err
	}
	log.Debug().Str("source", source.String()).Msg("Rule source opened")
	return holder, closeSource, nil
}

func requireMigrated(ctx context.Context, database *sqlx.DB) error {
	statuses, err := db.MigrateStatus(ctx, database)
	if err != nil {
		return fmt.Errorf("failed to check migrations: %w", err)
	}
	for _, s := range statuses {
		if !s.Applied {
			return fmt.Errorf("migration %s not applied - run 'routekeeper migrate' first", s.ID)
		}
	}
	return nil
}
