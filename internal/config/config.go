// Package config provides controller configuration loaded from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/morezero/fleet-controller/pkg/semver"
)

const logPrefix = "config:LoadConfig"

// Config holds fleet-controller configuration.
type Config struct {
	// COMMS: connect to NATS at COMMSURL, or start an in-process server
	// when EmbeddedCOMMS is set.
	COMMSURL          string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName         string `envconfig:"SERVICE_NAME" default:"fleet-controller"`
	EmbeddedCOMMS     bool   `envconfig:"EMBEDDED_COMMS" default:"false"`
	EmbeddedCOMMSPort int    `envconfig:"EMBEDDED_COMMS_PORT" default:"4222"`
	UplinkPrefix      string `envconfig:"UPLINK_PREFIX" default:"fleet.ul"`
	DownlinkPrefix    string `envconfig:"DOWNLINK_PREFIX" default:"fleet.dl"`

	// Controller identity
	ControllerUUID string `envconfig:"CONTROLLER_UUID"`
	ControllerName string `envconfig:"CONTROLLER_NAME" default:"fleet-controller"`
	ControllerInfo string `envconfig:"CONTROLLER_INFO"`

	// Liveness and timing
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"3s"`
	LivenessTick      time.Duration `envconfig:"LIVENESS_TICK" default:"1s"`
	DiscoveryAckDelay time.Duration `envconfig:"DISCOVERY_ACK_DELAY" default:"1s"`
	PollTimeout       time.Duration `envconfig:"POLL_TIMEOUT" default:"100ms"`
	RequestTimeout    time.Duration `envconfig:"REQUEST_TIMEOUT" default:"25s"`

	// Subjects
	MgmtSubject      string `envconfig:"MGMT_SUBJECT" default:"fleet.controller.v1"`
	NodeEventSubject string `envconfig:"NODE_EVENT_SUBJECT" default:"fleet.node.changed"`

	// Agents must satisfy this semver constraint; empty accepts any version.
	AgentVersionConstraint string `envconfig:"AGENT_VERSION_CONSTRAINT"`

	// Bootstrap catalog and static groups
	BootstrapFile string `envconfig:"BOOTSTRAP_FILE"`

	// Journal database; empty disables the journal.
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	// MigrationPath empty uses the migrations built into the binary.
	MigrationPath string `envconfig:"MIGRATION_PATH"`

	// HTTP health endpoint
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ValidateForServe checks required config when running the controller.
func (c *Config) ValidateForServe() error {
	if !c.EmbeddedCOMMS && c.COMMSURL == "" {
		return fmt.Errorf("%s - COMMS_URL is required unless EMBEDDED_COMMS is set", logPrefix)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%s - HEARTBEAT_INTERVAL must be positive", logPrefix)
	}
	if c.LivenessTick <= 0 || c.LivenessTick > c.HeartbeatInterval {
		return fmt.Errorf("%s - LIVENESS_TICK must be positive and not exceed HEARTBEAT_INTERVAL", logPrefix)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("%s - POLL_TIMEOUT must be positive", logPrefix)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if c.UplinkPrefix == c.DownlinkPrefix {
		return fmt.Errorf("%s - UPLINK_PREFIX and DOWNLINK_PREFIX must differ", logPrefix)
	}
	if err := semver.ValidateConstraint(c.AgentVersionConstraint); err != nil {
		return fmt.Errorf("%s - AGENT_VERSION_CONSTRAINT: %w", logPrefix, err)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// JournalEnabled reports whether node and rule changes are journaled.
func (c *Config) JournalEnabled() bool {
	return c.DatabaseURL != ""
}
