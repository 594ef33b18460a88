package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/morezero/fleet-controller/pkg/controller"
	"github.com/morezero/fleet-controller/pkg/db"
	"github.com/morezero/fleet-controller/pkg/registry"
	"github.com/morezero/fleet-controller/pkg/wire"
)

// stubTransport records commands and optionally answers them.
type stubTransport struct {
	mu     sync.Mutex
	sent   []*wire.Envelope
	answer func(*wire.Envelope) *wire.Envelope
	ctrl   *controller.Controller
}

func (s *stubTransport) SubscribeTo(string) error               { return nil }
func (s *stubTransport) Connected() bool                        { return true }
func (s *stubTransport) SetReceiveHandler(func(*wire.Envelope)) {}
func (s *stubTransport) SendEnvelope(*wire.Envelope) error      { return nil }

func (s *stubTransport) PumpOnce(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *stubTransport) Send(parts wire.Parts) error {
	env, err := wire.Decode(parts[:])
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, env)
	answer, ctrl := s.answer, s.ctrl
	s.mu.Unlock()
	if answer != nil && ctrl != nil {
		if resp := answer(env); resp != nil {
			go ctrl.Dispatch(resp)
		}
	}
	return nil
}

func newTestDispatcher(t *testing.T, nodes ...string) (*Dispatcher, *controller.Controller, *stubTransport) {
	t.Helper()
	tr := &stubTransport{}
	c := controller.New(controller.NewControllerParams{
		Transport: tr,
		Config: controller.Config{
			UUID:     "ctrl-1",
			Registry: registry.Config{HeartbeatInterval: time.Hour, AckDelay: -1},
		},
	})
	tr.ctrl = c
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	for i, uuid := range nodes {
		c.Dispatch(wire.NewSchema(wire.TopicNewNode, wire.Descriptor{Type: wire.TypeNewNode}, &wire.NewNodeMsg{
			AgentUUID: uuid,
			IP:        "10.0.0." + string(rune('1'+i)),
			Name:      "bench-" + uuid,
		}))
	}
	return NewDispatcher(NewDispatcherParams{Controller: c}), c, tr
}

// memoryHistory serves journal reads from memory.
type memoryHistory struct {
	nodes []db.NodeEvent
	rules []db.RuleEvent
}

func (m *memoryHistory) RecentNodeEvents(_ context.Context, nodeUUID string, _ int) ([]db.NodeEvent, error) {
	var out []db.NodeEvent
	for _, e := range m.nodes {
		if e.NodeUUID == nodeUUID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memoryHistory) RuleHistory(_ context.Context, nodeUUID string, ruleID int64) ([]db.RuleEvent, error) {
	var out []db.RuleEvent
	for _, e := range m.rules {
		if e.NodeUUID == nodeUUID && e.RuleID == ruleID {
			out = append(out, e)
		}
	}
	return out, nil
}
