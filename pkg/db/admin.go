package db

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const adminLogPrefix = "db:admin"

var journalDBName = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// EnsureDatabase creates the database named in databaseURL if the server
// does not have it yet. It works through the "postgres" maintenance
// database on the same host.
func EnsureDatabase(ctx context.Context, databaseURL string) error {
	name, maintenance, err := splitDatabaseURL(databaseURL)
	if err != nil {
		return err
	}

	config, err := pgxpool.ParseConfig(maintenance)
	if err != nil {
		return fmt.Errorf("%s - parse maintenance URL: %w", adminLogPrefix, err)
	}
	// CREATE DATABASE cannot run as a prepared statement.
	config.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("%s - connect to maintenance database: %w", adminLogPrefix, err)
	}
	defer pool.Close()

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists); err != nil {
		return fmt.Errorf("%s - look up database %q: %w", adminLogPrefix, name, err)
	}
	if exists {
		slog.Info(fmt.Sprintf("%s - Database %q already exists", adminLogPrefix, name))
		return nil
	}

	if _, err := pool.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		return fmt.Errorf("%s - create database %q: %w", adminLogPrefix, name, err)
	}
	slog.Info(fmt.Sprintf("%s - Created database %q", adminLogPrefix, name))
	return nil
}

// splitDatabaseURL returns the database name in databaseURL and the same
// URL pointed at the maintenance database.
func splitDatabaseURL(databaseURL string) (string, string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", "", fmt.Errorf("%s - invalid database URL: %w", adminLogPrefix, err)
	}
	name := strings.TrimSpace(strings.TrimPrefix(u.Path, "/"))
	switch {
	case name == "":
		return "", "", fmt.Errorf("%s - database URL names no database", adminLogPrefix)
	case !journalDBName.MatchString(name):
		return "", "", fmt.Errorf("%s - database name %q may only use letters, digits and underscores", adminLogPrefix, name)
	}
	maintenance := *u
	maintenance.Path = "/postgres"
	return name, maintenance.String(), nil
}

// ClearJournal empties the journal tables and resets their id sequences.
// Applied migrations are kept.
func ClearJournal(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `TRUNCATE TABLE node_events, rule_events RESTART IDENTITY`); err != nil {
		return fmt.Errorf("%s - truncate journal: %w", adminLogPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Journal cleared", adminLogPrefix))
	return nil
}
