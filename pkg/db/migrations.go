package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const migrationsLogPrefix = "db:migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migration is one forward-only SQL file, identified by its file name.
type Migration struct {
	Name string
	SQL  string
}

// MigrationReport lists which migrations a database has applied.
type MigrationReport struct {
	Applied []string
	Pending []string
}

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS journal_migrations (
	name       TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL
)`

// LoadMigrations reads the .sql files in dir ordered by name. An empty dir
// loads the migrations built into the binary.
func LoadMigrations(dir string) ([]Migration, error) {
	if dir == "" {
		sub, err := fs.Sub(embeddedMigrations, "migrations")
		if err != nil {
			return nil, fmt.Errorf("%s - embedded migrations: %w", migrationsLogPrefix, err)
		}
		return loadMigrations(sub, "embedded")
	}
	return loadMigrations(os.DirFS(dir), dir)
}

func loadMigrations(fsys fs.FS, source string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("%s - read %s: %w", migrationsLogPrefix, source, err)
	}

	var out []Migration
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("%s - read %s/%s: %w", migrationsLogPrefix, source, e.Name(), err)
		}
		out = append(out, Migration{Name: e.Name(), SQL: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	slog.Info(fmt.Sprintf("%s - Loaded %d migrations from %s", migrationsLogPrefix, len(out), source))
	return out, nil
}

// Migrate applies every migration not yet recorded in journal_migrations,
// each in its own transaction, and returns how many ran.
func Migrate(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) (int, error) {
	if _, err := pool.Exec(ctx, createMigrationsTable); err != nil {
		return 0, fmt.Errorf("%s - create journal_migrations: %w", migrationsLogPrefix, err)
	}
	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, m := range pending(migrations, applied) {
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO journal_migrations (name, applied_at) VALUES ($1, $2)`, m.Name, time.Now().UTC())
			return err
		})
		if err != nil {
			return ran, fmt.Errorf("%s - migration %s failed: %w", migrationsLogPrefix, m.Name, err)
		}
		slog.Info(fmt.Sprintf("%s - Applied %s", migrationsLogPrefix, m.Name))
		ran++
	}

	slog.Info(fmt.Sprintf("%s - %d migrations applied, %d already present", migrationsLogPrefix, ran, len(migrations)-ran))
	return ran, nil
}

// Status compares migrations against what the database has recorded.
func Status(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) (*MigrationReport, error) {
	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'journal_migrations')`).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("%s - check journal_migrations: %w", migrationsLogPrefix, err)
	}

	applied := map[string]bool{}
	if exists {
		if applied, err = appliedMigrations(ctx, pool); err != nil {
			return nil, err
		}
	}

	report := &MigrationReport{}
	for _, m := range migrations {
		if applied[m.Name] {
			report.Applied = append(report.Applied, m.Name)
		} else {
			report.Pending = append(report.Pending, m.Name)
		}
	}
	return report, nil
}

func appliedMigrations(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, `SELECT name FROM journal_migrations`)
	if err != nil {
		return nil, fmt.Errorf("%s - list applied: %w", migrationsLogPrefix, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s - scan applied: %w", migrationsLogPrefix, err)
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, nil
}

func pending(migrations []Migration, applied map[string]bool) []Migration {
	var out []Migration
	for _, m := range migrations {
		if !applied[m.Name] {
			out = append(out, m)
		}
	}
	return out
}
