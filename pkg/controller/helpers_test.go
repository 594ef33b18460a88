package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/morezero/fleet-controller/pkg/registry"
	"github.com/morezero/fleet-controller/pkg/transport"
	"github.com/morezero/fleet-controller/pkg/wire"
)

// fakeTransport records outbound envelopes and feeds queued inbound ones to
// the receive handler from PumpOnce.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []*wire.Envelope
	handler func(*wire.Envelope)
	onSend  func(*wire.Envelope)
	inbox   chan *wire.Envelope
	pumpErr chan error
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbox: make(chan *wire.Envelope, 64), pumpErr: make(chan error, 4)}
}

func (f *fakeTransport) SubscribeTo(string) error { return nil }
func (f *fakeTransport) Connected() bool          { return true }

func (f *fakeTransport) SetReceiveHandler(fn func(*wire.Envelope)) {
	f.mu.Lock()
	f.handler = fn
	f.mu.Unlock()
}

func (f *fakeTransport) Send(parts wire.Parts) error {
	env, err := wire.Decode(parts[:])
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, env)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(env)
	}
	return nil
}

func (f *fakeTransport) SendEnvelope(env *wire.Envelope) error {
	parts, err := wire.Encode(env)
	if err != nil {
		return err
	}
	return f.Send(parts)
}

func (f *fakeTransport) PumpOnce(ctx context.Context) error {
	f.mu.Lock()
	closed, handler := f.closed, f.handler
	f.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	select {
	case err := <-f.pumpErr:
		return err
	case env := <-f.inbox:
		handler(env)
		return nil
	case <-time.After(10 * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// commands returns the sent envelopes that are capability calls.
func (f *fakeTransport) commands() []*wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*wire.Envelope
	for _, env := range f.sent {
		if env.Desc.CallID != "" {
			out = append(out, env)
		}
	}
	return out
}

func newTestController(t *testing.T, tr *fakeTransport) *Controller {
	t.Helper()
	c := New(NewControllerParams{
		Transport: tr,
		Config: Config{
			UUID: "ctrl-1",
			Name: "test-controller",
			Registry: registry.Config{
				HeartbeatInterval: time.Hour,
				AckDelay:          -1,
			},
		},
	})
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func announce(t *testing.T, c *Controller, uuids ...string) {
	t.Helper()
	for _, uuid := range uuids {
		c.Dispatch(wire.NewSchema(wire.TopicNewNode, wire.Descriptor{Type: wire.TypeNewNode}, &wire.NewNodeMsg{
			AgentUUID: uuid,
			IP:        "192.168.0." + uuid[len(uuid)-1:],
			Name:      "node-" + uuid,
			Version:   "1.0.0",
		}))
		if c.Registry().Node(uuid) == nil {
			t.Fatalf("controller:helpers_test - node %s not registered", uuid)
		}
	}
}

// reply builds the response a node sends for a command.
func reply(t *testing.T, cmd *wire.Envelope, value any, status wire.Status) *wire.Envelope {
	t.Helper()
	env, err := wire.NewOpaque(cmd.Topic, wire.Descriptor{
		Type:     cmd.Desc.Type,
		Function: cmd.Desc.Function,
		CallID:   cmd.Desc.CallID,
		Status:   status,
	}, value)
	if err != nil {
		t.Fatalf("controller:helpers_test - NewOpaque: %v", err)
	}
	return env
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
