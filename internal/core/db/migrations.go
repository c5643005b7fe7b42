package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/solatis/routekeeper/internal/logging"
	schema "github.com/solatis/routekeeper/migrations"
)

/*
 * Schema migrations for the rule store.
 *
 * Each driver has its own directory of embedded .sql files, applied in
 * file name order. Applied files are recorded in schema_migrations with the
 * SHA-256 of their content; a recorded file that changed or disappeared
 * stops MigrateUp before anything else runs.
 *
 * The bookkeeping statements live in queries/migrations.sql and use only
 * TEXT and BIGINT columns, so the same statements serve both drivers.
 * applied_at is RFC 3339 text in UTC.
 */

// Migration is one embedded schema file.
type Migration struct {
	ID       string
	Checksum string
	SQL      string
}

// MigrationStatus reports whether a migration has been applied.
type MigrationStatus struct {
	ID        string
	Checksum  string
	Applied   bool
	AppliedAt *time.Time
	Duration  time.Duration
}

type appliedRow struct {
	ID         string `db:"id"`
	Checksum   string `db:"checksum"`
	AppliedAt  string `db:"applied_at"`
	DurationMs int64  `db:"duration_ms"`
}

// Migrations returns the embedded migrations for driver, ordered by ID.
func Migrations(driver string) ([]Migration, error) {
	var dir string
	switch driver {
	case "sqlite3":
		dir = "sqlite"
	case "postgres":
		dir = "postgres"
	default:
		return nil, fmt.Errorf("no migrations for driver %s", driver)
	}

	sub, err := fs.Sub(schema.Files, dir)
	if err != nil {
		return nil, err
	}
	// ReadDir returns entries sorted by name.
	entries, err := fs.ReadDir(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s migrations: %w", dir, err)
	}

	var out []Migration
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".sql") {
			continue
		}
		content, err := fs.ReadFile(sub, ent.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", ent.Name(), err)
		}
		sum := sha256.Sum256(content)
		out = append(out, Migration{
			ID:       ent.Name(),
			Checksum: hex.EncodeToString(sum[:]),
			SQL:      string(content),
		})
	}
	return out, nil
}

// migrator pairs a connection with its embedded migrations and the
// bookkeeping rows already recorded.
type migrator struct {
	db       *sqlx.DB
	queries  *Queries
	embedded []Migration
	applied  map[string]appliedRow
}

func newMigrator(ctx context.Context, db *sqlx.DB) (*migrator, error) {
	embedded, err := Migrations(db.DriverName())
	if err != nil {
		return nil, err
	}
	queries, err := LoadQueries()
	if err != nil {
		return nil, err
	}
	if _, err := queries.Exec(ctx, db, "create-schema-migrations"); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var rows []appliedRow
	if err := queries.Select(ctx, db, "list-schema-migrations", &rows); err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	applied := make(map[string]appliedRow, len(rows))
	for _, r := range rows {
		applied[r.ID] = r
	}
	return &migrator{db: db, queries: queries, embedded: embedded, applied: applied}, nil
}

// verify fails if a recorded migration no longer matches its embedded file.
func (m *migrator) verify() error {
	known := make(map[string]string, len(m.embedded))
	for _, mig := range m.embedded {
		known[mig.ID] = mig.Checksum
	}
	for id, row := range m.applied {
		want, ok := known[id]
		if !ok {
			return fmt.Errorf("migration %s is recorded but not embedded", id)
		}
		if row.Checksum != want {
			return fmt.Errorf("checksum mismatch for migration %s: recorded %s, embedded %s", id, row.Checksum, want)
		}
	}
	return nil
}

// apply runs one migration and records it in the same transaction.
func (m *migrator) apply(ctx context.Context, mig Migration) (time.Duration, error) {
	start := time.Now()
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(mig.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, err
		}
	}
	took := time.Since(start)
	if _, err := m.queries.Exec(ctx, tx, "insert-schema-migration",
		mig.ID, mig.Checksum, time.Now().UTC().Format(time.RFC3339Nano), took.Milliseconds()); err != nil {
		return 0, err
	}
	return took, tx.Commit()
}

// MigrateUp verifies recorded migrations and applies the pending ones.
func MigrateUp(ctx context.Context, db *sqlx.DB) error {
	m, err := newMigrator(ctx, db)
	if err != nil {
		return err
	}
	if err := m.verify(); err != nil {
		return err
	}

	log := logging.Component("db")
	for _, mig := range m.embedded {
		if _, done := m.applied[mig.ID]; done {
			continue
		}
		took, err := m.apply(ctx, mig)
		if err != nil {
			return fmt.Errorf("migration %s: %w", mig.ID, err)
		}
		log.Info().Str("migration", mig.ID).Dur("took", took).Msg("Migration applied")
	}
	return nil
}

// MigrateStatus lists every embedded migration with its recorded state.
func MigrateStatus(ctx context.Context, db *sqlx.DB) ([]MigrationStatus, error) {
	m, err := newMigrator(ctx, db)
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(m.embedded))
	for _, mig := range m.embedded {
		st := MigrationStatus{ID: mig.ID, Checksum: mig.Checksum}
		if row, ok := m.applied[mig.ID]; ok {
			st.Applied = true
			st.Checksum = row.Checksum
			st.Duration = time.Duration(row.DurationMs) * time.Millisecond
			if ts, err := time.Parse(time.RFC3339Nano, row.AppliedAt); err == nil {
				st.AppliedAt = &ts
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// splitStatements drops comment lines and splits on semicolons, since
// lib/pq runs one statement per Exec.
func splitStatements(sql string) []string {
	var b strings.Builder
	for _, line := range strings.Split(sql, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	var stmts []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
