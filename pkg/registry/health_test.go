package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

const healthTestPrefix = "registry:health_test"

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		connected  bool
		db         Pinger
		wantStatus string
	}{
		{name: "connected without db", connected: true, wantStatus: "healthy"},
		{name: "connected with db", connected: true, db: fakePinger{}, wantStatus: "healthy"},
		{name: "db down", connected: true, db: fakePinger{err: errors.New("down")}, wantStatus: "unhealthy"},
		{name: "comms down", connected: false, wantStatus: "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport()
			tr.connected = tt.connected
			reg := NewRegistry(NewRegistryParams{Transport: tr, Config: DefaultConfig()})
			defer reg.Close()

			out := reg.Health(context.Background(), tt.db)
			if out.Status != tt.wantStatus {
				t.Errorf("%s - Status = %q, want %q", healthTestPrefix, out.Status, tt.wantStatus)
			}
			if out.Checks.COMMS != tt.connected {
				t.Errorf("%s - COMMS = %v, want %v", healthTestPrefix, out.Checks.COMMS, tt.connected)
			}
			if _, err := time.Parse(time.RFC3339, out.Timestamp); err != nil {
				t.Errorf("%s - Timestamp not RFC3339: %v", healthTestPrefix, err)
			}
		})
	}
}

func TestHealth_NilTransport(t *testing.T) {
	reg := NewRegistry(NewRegistryParams{Config: DefaultConfig()})
	defer reg.Close()

	out := reg.Health(context.Background(), nil)
	if out.Status != "unhealthy" || out.Checks.COMMS {
		t.Errorf("%s - nil transport should be unhealthy, got %+v", healthTestPrefix, out)
	}

	data, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("%s - marshal failed: %v", healthTestPrefix, err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("%s - unmarshal failed: %v", healthTestPrefix, err)
	}
	if _, ok := decoded["checks"]; !ok {
		t.Errorf("%s - checks missing from JSON", healthTestPrefix)
	}
}
