package cmd

import (
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/solatis/routekeeper/internal/core/config"
	"github.com/solatis/routekeeper/internal/core/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending rule store migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("db-url", "", "database connection URL (sqlite://path or postgres://...)")
	migrateCmd.Flags().Bool("status", false, "list migrations without applying them")
}

// openDatabase resolves the database URL from --db-url, then
// RK_RULES_DB_URL, then the config file.
func openDatabase(cmd *cobra.Command) (*sqlx.DB, error) {
	dbURL, _ := cmd.Flags().GetString("db-url")
	if dbURL == "" {
		dbURL = os.Getenv(config.EnvPrefix + "_RULES_DB_URL")
	}
	if dbURL == "" && configFile != "" {
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		dbURL = cfg.Rules.DBURL
	}
	if dbURL == "" {
		return nil, fmt.Errorf("--db-url required")
	}
	return db.Open(dbURL)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	database, err := openDatabase(cmd)
	if err != nil {
		return err
	}
	defer database.Close()

	out := cmd.OutOrStdout()
	if status, _ := cmd.Flags().GetBool("status"); status {
		statuses, err := db.MigrateStatus(cmd.Context(), database)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			state := "pending"
			if s.Applied {
				state = "applied"
				if s.AppliedAt != nil {
					state += " " + s.AppliedAt.Format("2006-01-02T15:04:05Z")
				}
			}
			fmt.Fprintf(out, "%-28s %s\n", s.ID, state)
		}
		return nil
	}

	if err := db.MigrateUp(cmd.Context(), database); err != nil {
		return err
	}
	fmt.Fprintln(out, "migrations applied")
	return nil
}
