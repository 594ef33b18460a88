package main

import (
	"strings"
	"testing"

	"github.com/morezero/fleet-controller/internal/config"
)

const mainTestPrefix = "cmd/fleet-controller:main_test"

func TestUsage_ContainsCommands(t *testing.T) {
	required := []string{"serve", "migrate up", "migrate status", "ensure-db", "clear", "COMMS_URL", "DATABASE_URL"}
	for _, word := range required {
		if !strings.Contains(usage, word) {
			t.Errorf("%s - usage should contain %q", mainTestPrefix, word)
		}
	}
}

func TestOptions_ApplyOnlyChangedFlags(t *testing.T) {
	opts := newFlagSet()
	if err := opts.flags.Parse([]string{"--log-level", "debug", "--http-port=9090", "--embedded-comms", "migrate", "up"}); err != nil {
		t.Fatalf("%s - Parse: %v", mainTestPrefix, err)
	}
	cfg := &config.Config{
		LogLevel:    "info",
		HTTPPort:    8080,
		COMMSURL:    "nats://broker:4222",
		DatabaseURL: "postgres://db/fleet",
	}
	opts.apply(cfg)

	if cfg.LogLevel != "debug" || cfg.HTTPPort != 9090 || !cfg.EmbeddedCOMMS {
		t.Errorf("%s - flags not applied: %+v", mainTestPrefix, cfg)
	}
	if cfg.COMMSURL != "nats://broker:4222" || cfg.DatabaseURL != "postgres://db/fleet" {
		t.Errorf("%s - unset flags overwrote config: %+v", mainTestPrefix, cfg)
	}
	if args := opts.flags.Args(); len(args) != 2 || args[0] != "migrate" || args[1] != "up" {
		t.Errorf("%s - positional args = %v", mainTestPrefix, args)
	}
}

func TestOptions_UnknownFlag(t *testing.T) {
	opts := newFlagSet()
	if err := opts.flags.Parse([]string{"--no-such-flag"}); err == nil {
		t.Errorf("%s - expected error for unknown flag", mainTestPrefix)
	}
}

func TestDatabaseURLFor(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		dbName  string
		want    string
		wantErr bool
	}{
		{"swaps name", "postgres://u:p@host:5432/fleet?sslmode=disable", "fleet_test", "postgres://u:p@host:5432/fleet_test?sslmode=disable", false},
		{"no path", "postgres://host", "journal", "postgres://host/journal", false},
		{"empty", "", "x", "", true},
		{"invalid", "://bad", "x", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := databaseURLFor(tt.base, tt.dbName)
			if (err != nil) != tt.wantErr {
				t.Fatalf("%s - err = %v, wantErr %v", mainTestPrefix, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("%s - got %q, want %q", mainTestPrefix, got, tt.want)
			}
		})
	}
}
