package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/solatis/routekeeper/internal/core/config"
	"github.com/solatis/routekeeper/internal/core/db"
	"github.com/solatis/routekeeper/internal/core/rulefile"
	"github.com/solatis/routekeeper/internal/rules"
)

var importCmd = &cobra.Command{
	Use:   "import rules.yaml",
	Short: "Replace the stored rule set with a rule file",
	Long: `Import builds the rule file first and stores it only when it builds, so
the database never holds a rule set the server would reject.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().String("db-url", "", "database connection URL (sqlite://path or postgres://...)")
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	specs, err := rulefile.Load(args[0])
	if err != nil {
		return err
	}

	cfg := config.Default()
	if configFile != "" {
		if cfg, err = config.LoadConfig(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	opts, err := engineOptions(cfg)
	if err != nil {
		return err
	}
	if _, err := rules.Build(specs, opts...); err != nil {
		return err
	}

	database, err := openDatabase(cmd)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := requireMigrated(ctx, database); err != nil {
		return err
	}

	store, err := db.NewRuleStore(database)
	if err != nil {
		return err
	}
	stored, err := store.Replace(ctx, specs)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d rules\n", len(stored))
	return nil
}
