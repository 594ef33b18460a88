package db

import "time"

// NodeEvent is a row of the node_events journal table.
type NodeEvent struct {
	ID         int64     `json:"id"`
	NodeUUID   string    `json:"node_uuid"`
	Name       string    `json:"name"`
	IP         string    `json:"ip"`
	Change     string    `json:"change"`
	Reason     string    `json:"reason,omitempty"`
	Version    string    `json:"version,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RuleEvent is a row of the rule_events journal table.
type RuleEvent struct {
	ID         int64     `json:"id"`
	NodeUUID   string    `json:"node_uuid"`
	RuleID     int64     `json:"rule_id"`
	Op         string    `json:"op"`
	Definition []byte    `json:"definition,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
