package registry

import (
	"context"
	"time"
)

// Pinger is satisfied by the journal's connection pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health reports transport connectivity and, when db is non-nil, database
// reachability.
func (r *Registry) Health(ctx context.Context, db Pinger) *HealthOutput {
	commsOk := r.transport != nil && r.transport.Connected()

	dbOk := true
	if db != nil {
		dbOk = db.Ping(ctx) == nil
	}

	status := "healthy"
	if !commsOk || !dbOk {
		status = "unhealthy"
	}

	r.mu.RLock()
	nodes, groups := len(r.nodes), len(r.groups)
	r.mu.RUnlock()

	return &HealthOutput{
		Status: status,
		Nodes:  nodes,
		Groups: groups,
		Checks: HealthChecks{
			COMMS:    commsOk,
			Database: db != nil && dbOk,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
