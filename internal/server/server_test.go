package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/fleet-controller/internal/config"
	"github.com/morezero/fleet-controller/pkg/commsutil"
	"github.com/morezero/fleet-controller/pkg/events"
	"github.com/morezero/fleet-controller/pkg/registry"
	"github.com/morezero/fleet-controller/pkg/wire"
)

const serverTestPrefix = "server:server_test"

// testConfig returns a config for an embedded broker on a random port with
// no journal.
func testConfig() *config.Config {
	return &config.Config{
		COMMSName:          "fleet-controller-test",
		EmbeddedCOMMS:      true,
		EmbeddedCOMMSPort:  -1,
		UplinkPrefix:       commsutil.DefaultUplinkPrefix,
		DownlinkPrefix:     commsutil.DefaultDownlinkPrefix,
		ControllerUUID:     "ctrl-test",
		ControllerName:     "bench",
		HeartbeatInterval:  time.Hour,
		LivenessTick:       time.Second,
		PollTimeout:        20 * time.Millisecond,
		RequestTimeout:     2 * time.Second,
		MgmtSubject:        "fleet.controller.test",
		NodeEventSubject:   "fleet.node.test",
		HealthCheckTimeout: time.Second,
	}
}

func startTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	s, err := New(ctx, testConfig())
	if err != nil {
		t.Fatalf("%s - New: %v", serverTestPrefix, err)
	}
	if err := s.Start(ctx); err != nil {
		s.Shutdown(ctx)
		t.Fatalf("%s - Start: %v", serverTestPrefix, err)
	}
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func announce(t *testing.T, nc *comms.Conn, uuid, ip string) {
	t.Helper()
	env := wire.NewSchema(wire.TopicNewNode, wire.Descriptor{Type: wire.TypeNewNode}, &wire.NewNodeMsg{
		AgentUUID: uuid,
		IP:        ip,
		Name:      "bench-" + uuid,
		Version:   "1.0.0",
	})
	parts, err := wire.Encode(env)
	if err != nil {
		t.Fatalf("%s - Encode: %v", serverTestPrefix, err)
	}
	if err := nc.Publish(commsutil.BuildTopicSubject(commsutil.DefaultUplinkPrefix, wire.TopicNewNode), wire.Frame(parts)); err != nil {
		t.Fatalf("%s - Publish: %v", serverTestPrefix, err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("%s - ParseLogLevel(%q) = %v, want %v", serverTestPrefix, tt.in, got, tt.want)
		}
	}
}

func TestNew_UnreachableCOMMS(t *testing.T) {
	cfg := testConfig()
	cfg.EmbeddedCOMMS = false
	cfg.COMMSURL = "nats://127.0.0.1:1"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatalf("%s - expected error for unreachable COMMS", serverTestPrefix)
	}
}

func TestServer_NodeJoinPublishesAndListsNode(t *testing.T) {
	s := startTestServer(t)

	agent, err := commsutil.Connect(s.ns.ClientURL(), "agent")
	if err != nil {
		t.Fatalf("%s - agent connect: %v", serverTestPrefix, err)
	}
	defer agent.Close()

	changes := make(chan *comms.Msg, 4)
	sub, err := agent.ChanSubscribe("fleet.node.test", changes)
	if err != nil {
		t.Fatalf("%s - subscribe: %v", serverTestPrefix, err)
	}
	defer sub.Unsubscribe()
	if err := agent.Flush(); err != nil {
		t.Fatalf("%s - Flush: %v", serverTestPrefix, err)
	}

	announce(t, agent, "agent-1", "10.0.0.1")

	select {
	case msg := <-changes:
		var ev events.NodeChangedEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Fatalf("%s - decode event: %v", serverTestPrefix, err)
		}
		if ev.NodeUUID != "agent-1" || ev.Change != events.ChangeJoined || ev.IP != "10.0.0.1" {
			t.Errorf("%s - event = %+v", serverTestPrefix, ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("%s - no node event published", serverTestPrefix)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nodes", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - /nodes status = %d", serverTestPrefix, rec.Code)
	}
	var nodes []registry.NodeSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &nodes); err != nil {
		t.Fatalf("%s - decode nodes: %v", serverTestPrefix, err)
	}
	if len(nodes) != 1 || nodes[0].UUID != "agent-1" {
		t.Errorf("%s - nodes = %+v", serverTestPrefix, nodes)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.Contains(rec.Body.String(), "bench-agent-1") {
		t.Errorf("%s - dashboard does not list the node", serverTestPrefix)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	var ready readyOutput
	if err := json.Unmarshal(rec.Body.Bytes(), &ready); err != nil {
		t.Fatalf("%s - decode ready: %v", serverTestPrefix, err)
	}
	found := false
	for _, topic := range ready.Topics {
		found = found || topic == "agent-1"
	}
	if !found {
		t.Errorf("%s - /ready topics %v missing the node topic", serverTestPrefix, ready.Topics)
	}
}

func TestServer_ManagementAPI(t *testing.T) {
	s := startTestServer(t)

	client, err := commsutil.Connect(s.ns.ClientURL(), "mgmt-client")
	if err != nil {
		t.Fatalf("%s - connect: %v", serverTestPrefix, err)
	}
	defer client.Close()

	msg, err := client.Request("fleet.controller.test", []byte(`{"id":"1","method":"health"}`), 5*time.Second)
	if err != nil {
		t.Fatalf("%s - Request: %v", serverTestPrefix, err)
	}
	var resp struct {
		ID string `json:"id"`
		Ok bool   `json:"ok"`
	}
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("%s - decode: %v", serverTestPrefix, err)
	}
	if !resp.Ok || resp.ID != "1" {
		t.Errorf("%s - response = %s", serverTestPrefix, msg.Data)
	}
}

func TestHandler_HealthReadyMetrics(t *testing.T) {
	s := startTestServer(t)
	h := s.Handler()

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/health", http.StatusOK, `"status":"healthy"`},
		{"/ready", http.StatusOK, `"ready"`},
		{"/metrics", http.StatusOK, "fleet_"},
		{"/missing", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.wantCode {
				t.Errorf("%s - %s status = %d, want %d", serverTestPrefix, tt.path, rec.Code, tt.wantCode)
			}
			body, _ := io.ReadAll(rec.Body)
			if tt.wantBody != "" && !strings.Contains(string(body), tt.wantBody) {
				t.Errorf("%s - %s body missing %q", serverTestPrefix, tt.path, tt.wantBody)
			}
		})
	}
}

func TestHandler_HealthUnavailableAfterShutdown(t *testing.T) {
	s := startTestServer(t)
	h := s.Handler()
	s.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("%s - /health after shutdown = %d, want 503", serverTestPrefix, rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("%s - /ready after shutdown = %d, want 503", serverTestPrefix, rec.Code)
	}
}
