package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const journalLogPrefix = "db:journal"

const defaultRecentLimit = 100

// Journal is the append-only audit trail of node lifecycle and rule changes.
// It is never read back to restore controller state.
type Journal struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewJournal creates a Journal on pool.
func NewJournal(pool *pgxpool.Pool) *Journal {
	return &Journal{pool: pool, now: time.Now}
}

// RecordNodeEvent appends a node lifecycle event. A zero OccurredAt is
// set to the current time.
func (j *Journal) RecordNodeEvent(ctx context.Context, ev NodeEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = j.now().UTC()
	}
	_, err := j.pool.Exec(ctx,
		`INSERT INTO node_events (node_uuid, name, ip, change, reason, version, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.NodeUUID, ev.Name, ev.IP, ev.Change, ev.Reason, ev.Version, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("%s - insert node event for %s: %w", journalLogPrefix, ev.NodeUUID, err)
	}
	slog.Debug(fmt.Sprintf("%s - Recorded %s for node %s", journalLogPrefix, ev.Change, ev.NodeUUID))
	return nil
}

// RecordRule appends a rule change. definition is stored as JSON.
func (j *Journal) RecordRule(ctx context.Context, nodeUUID string, ruleID int64, op string, definition any) error {
	var def []byte
	if definition != nil {
		b, err := json.Marshal(definition)
		if err != nil {
			return fmt.Errorf("%s - encode rule %d: %w", journalLogPrefix, ruleID, err)
		}
		def = b
	}
	_, err := j.pool.Exec(ctx,
		`INSERT INTO rule_events (node_uuid, rule_id, op, definition, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		nodeUUID, ruleID, op, def, j.now().UTC())
	if err != nil {
		return fmt.Errorf("%s - insert rule event %d on %s: %w", journalLogPrefix, ruleID, nodeUUID, err)
	}
	return nil
}

// RecentNodeEvents returns the newest node events first. nodeUUID filters
// by node when non-empty; limit <= 0 uses 100.
func (j *Journal) RecentNodeEvents(ctx context.Context, nodeUUID string, limit int) ([]NodeEvent, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := j.pool.Query(ctx,
		`SELECT id, node_uuid, name, ip, change, reason, version, occurred_at
		 FROM node_events
		 WHERE ($1 = '' OR node_uuid = $1)
		 ORDER BY id DESC
		 LIMIT $2`, nodeUUID, limit)
	if err != nil {
		return nil, fmt.Errorf("%s - query node events: %w", journalLogPrefix, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (NodeEvent, error) {
		var ev NodeEvent
		err := row.Scan(&ev.ID, &ev.NodeUUID, &ev.Name, &ev.IP, &ev.Change, &ev.Reason, &ev.Version, &ev.OccurredAt)
		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("%s - scan node events: %w", journalLogPrefix, err)
	}
	return out, nil
}

// RuleHistory returns the changes recorded for one rule on a node, oldest first.
func (j *Journal) RuleHistory(ctx context.Context, nodeUUID string, ruleID int64) ([]RuleEvent, error) {
	rows, err := j.pool.Query(ctx,
		`SELECT id, node_uuid, rule_id, op, definition, occurred_at
		 FROM rule_events
		 WHERE node_uuid = $1 AND rule_id = $2
		 ORDER BY id`, nodeUUID, ruleID)
	if err != nil {
		return nil, fmt.Errorf("%s - query rule events: %w", journalLogPrefix, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (RuleEvent, error) {
		var ev RuleEvent
		err := row.Scan(&ev.ID, &ev.NodeUUID, &ev.RuleID, &ev.Op, &ev.Definition, &ev.OccurredAt)
		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("%s - scan rule events: %w", journalLogPrefix, err)
	}
	return out, nil
}
