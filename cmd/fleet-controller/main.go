// Package main is the entrypoint for the fleet-controller.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"

	"github.com/morezero/fleet-controller/internal/config"
	"github.com/morezero/fleet-controller/internal/server"
	"github.com/morezero/fleet-controller/pkg/db"
)

const usage = `Usage: fleet-controller [flags] [command]

Commands:
  serve            (default) Start the controller (COMMS, management API, HTTP).
  migrate up       Apply the journal migrations.
  migrate status   List applied and pending journal migrations.
  ensure-db [name] Create the journal database (default: fleet_journal) on the DATABASE_URL host.
  clear            Truncate the journal; schema is preserved.
  help             Show this help.

Environment: COMMS_URL, EMBEDDED_COMMS, DATABASE_URL, MIGRATION_PATH, BOOTSTRAP_FILE,
HEARTBEAT_INTERVAL, HTTP_PORT, LOG_LEVEL. See README for the full list.

Flags override the matching environment variables:
`

// options holds command-line overrides. Zero values leave the environment
// configuration untouched.
type options struct {
	flags *pflag.FlagSet

	logLevel      string
	commsURL      string
	httpPort      int
	embeddedComms bool
	databaseURL   string
	bootstrapFile string
}

func newFlagSet() *options {
	o := &options{flags: pflag.NewFlagSet("fleet-controller", pflag.ContinueOnError)}
	o.flags.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error")
	o.flags.StringVar(&o.commsURL, "comms-url", "", "COMMS server URL")
	o.flags.IntVar(&o.httpPort, "http-port", 0, "HTTP port for health, nodes and metrics")
	o.flags.BoolVar(&o.embeddedComms, "embedded-comms", false, "start an in-process COMMS server")
	o.flags.StringVar(&o.databaseURL, "database-url", "", "journal database URL")
	o.flags.StringVar(&o.bootstrapFile, "bootstrap", "", "bootstrap catalog file")
	o.flags.BoolP("help", "h", false, "show help")
	return o
}

// apply copies every flag set on the command line onto cfg.
func (o *options) apply(cfg *config.Config) {
	if o.flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if o.flags.Changed("comms-url") {
		cfg.COMMSURL = o.commsURL
	}
	if o.flags.Changed("http-port") {
		cfg.HTTPPort = o.httpPort
	}
	if o.flags.Changed("embedded-comms") {
		cfg.EmbeddedCOMMS = o.embeddedComms
	}
	if o.flags.Changed("database-url") {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.flags.Changed("bootstrap") {
		cfg.BootstrapFile = o.bootstrapFile
	}
}

func printUsage(o *options) {
	fmt.Fprint(os.Stderr, usage)
	o.flags.PrintDefaults()
}

func main() {
	opts := newFlagSet()
	if err := opts.flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(opts)
			return
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		printUsage(opts)
		os.Exit(2)
	}
	if help, _ := opts.flags.GetBool("help"); help {
		printUsage(opts)
		return
	}

	args := opts.flags.Args()
	cmd := ""
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("fleet-controller migrate: require subcommand (up, status)")
		}
		switch sub := args[1]; sub {
		case "up":
			if err := runMigrateUp(opts); err != nil {
				log.Fatalf("fleet-controller migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(opts); err != nil {
				log.Fatalf("fleet-controller migrate status: %v", err)
			}
		default:
			log.Fatalf("fleet-controller migrate: unknown subcommand %q (use up, status)", sub)
		}
		return
	case "ensure-db":
		dbName := "fleet_journal"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(opts, dbName); err != nil {
			log.Fatalf("fleet-controller ensure-db: %v", err)
		}
		return
	case "clear":
		if err := runClear(opts); err != nil {
			log.Fatalf("fleet-controller clear: %v", err)
		}
		return
	case "help":
		printUsage(opts)
		return
	case "serve", "":
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n", cmd)
		printUsage(opts)
		os.Exit(1)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		log.Fatalf("fleet-controller: %v", err)
	}
	if err := server.Run(cfg); err != nil {
		log.Fatalf("fleet-controller: %v", err)
	}
}

func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	opts.apply(cfg)
	return cfg, nil
}

// withPool loads DB config and runs fn with a connected pool.
func withPool(opts *options, fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func runMigrateUp(opts *options) error {
	return withPool(opts, func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		migrations, err := db.LoadMigrations(cfg.MigrationPath)
		if err != nil {
			return fmt.Errorf("load migrations: %w", err)
		}
		ran, err := db.Migrate(ctx, pool, migrations)
		if err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		fmt.Printf("Applied %d of %d migrations.\n", ran, len(migrations))
		return nil
	})
}

func runMigrateStatus(opts *options) error {
	return withPool(opts, func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		migrations, err := db.LoadMigrations(cfg.MigrationPath)
		if err != nil {
			return fmt.Errorf("load migrations: %w", err)
		}
		report, err := db.Status(ctx, pool, migrations)
		if err != nil {
			return err
		}
		for _, name := range report.Applied {
			fmt.Printf("  applied  %s\n", name)
		}
		for _, name := range report.Pending {
			fmt.Printf("  pending  %s\n", name)
		}
		return nil
	})
}

func runClear(opts *options) error {
	return withPool(opts, func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
		if err := db.ClearJournal(ctx, pool); err != nil {
			return fmt.Errorf("clear journal: %w", err)
		}
		return nil
	})
}

func runEnsureDB(opts *options, dbName string) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	targetURL, err := databaseURLFor(cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(context.Background(), targetURL); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

// databaseURLFor swaps the database name in base, keeping host, user and
// query parameters.
func databaseURLFor(base, dbName string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("DATABASE_URL is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}
