package db

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const migrationsLogPrefix = "db:migrations"

const downSuffix = ".down.sql"

// Migration is one forward SQL file and its optional rollback.
type Migration struct {
	Name string
	Up   string
	Down string
}

// LoadMigrations reads NNNN_name.sql files from dir, sorted by name. A
// NNNN_name.down.sql file next to one is loaded as its rollback.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, dir, err)
	}

	downs := make(map[string]string)
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		if strings.HasSuffix(e.Name(), downSuffix) {
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("%s - failed to read %s: %w", migrationsLogPrefix, e.Name(), err)
			}
			downs[strings.TrimSuffix(e.Name(), downSuffix)] = string(data)
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to read %s: %w", migrationsLogPrefix, path, err)
		}
		base := strings.TrimSuffix(name, ".sql")
		out = append(out, Migration{Name: base, Up: string(data), Down: downs[base]})
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d migrations from %s", migrationsLogPrefix, len(out), dir))
	return out, nil
}

const ensureMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	name    TEXT PRIMARY KEY,
	applied TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// RunMigrations applies, in order, every migration not yet recorded in
// schema_migrations. Each migration runs in its own transaction.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) error {
	if _, err := pool.Exec(ctx, ensureMigrationsTable); err != nil {
		return fmt.Errorf("%s - create schema_migrations: %w", migrationsLogPrefix, err)
	}
	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return err
	}

	count := 0
	for _, m := range migrations {
		if applied[m.Name] {
			continue
		}
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, m.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%s - migration %s failed: %w", migrationsLogPrefix, m.Name, err)
		}
		slog.Info(fmt.Sprintf("%s - Applied %s", migrationsLogPrefix, m.Name))
		count++
	}

	slog.Info(fmt.Sprintf("%s - Migrations complete (%d applied, %d already present)", migrationsLogPrefix, count, len(migrations)-count))
	return nil
}

// MigrationState pairs a migration name with whether it is applied.
type MigrationState struct {
	Name    string
	Applied bool
}

// MigrationStatus reports which migrations in migrationPath are applied.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrationPath string) ([]MigrationState, error) {
	migrations, err := LoadMigrations(migrationPath)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, ensureMigrationsTable); err != nil {
		return nil, fmt.Errorf("%s - create schema_migrations: %w", migrationsLogPrefix, err)
	}
	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationState, len(migrations))
	for i, m := range migrations {
		out[i] = MigrationState{Name: m.Name, Applied: applied[m.Name]}
	}
	return out, nil
}

// MigrationDown rolls back the most recently applied migration that has a
// rollback file. It returns the name rolled back, or "" when nothing applies.
func MigrationDown(ctx context.Context, pool *pgxpool.Pool, migrationPath string) (string, error) {
	migrations, err := LoadMigrations(migrationPath)
	if err != nil {
		return "", err
	}
	if _, err := pool.Exec(ctx, ensureMigrationsTable); err != nil {
		return "", fmt.Errorf("%s - create schema_migrations: %w", migrationsLogPrefix, err)
	}
	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return "", err
	}

	last := latestApplied(migrations, applied)
	if last == nil {
		return "", nil
	}
	if last.Down == "" {
		return "", fmt.Errorf("%s - migration %s has no %s file", migrationsLogPrefix, last.Name, downSuffix)
	}

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, last.Down); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM schema_migrations WHERE name = $1`, last.Name)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%s - rollback %s failed: %w", migrationsLogPrefix, last.Name, err)
	}
	slog.Info(fmt.Sprintf("%s - Rolled back %s", migrationsLogPrefix, last.Name))
	return last.Name, nil
}

func latestApplied(migrations []Migration, applied map[string]bool) *Migration {
	for i := len(migrations) - 1; i >= 0; i-- {
		if applied[migrations[i].Name] {
			return &migrations[i]
		}
	}
	return nil
}

func appliedMigrations(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("%s - read schema_migrations: %w", migrationsLogPrefix, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s - scan schema_migrations: %w", migrationsLogPrefix, err)
	}
	applied := make(map[string]bool, len(names))
	for _, n := range names {
		applied[n] = true
	}
	return applied, nil
}
