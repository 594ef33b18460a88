package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/morezero/fleet-controller/pkg/wire"
)

type fakeTransport struct {
	mu         sync.Mutex
	subscribed []string
	sent       []*wire.Envelope
	connected  bool
	sendErr    error
}

func newFakeTransport() *fakeTransport { return &fakeTransport{connected: true} }

func (f *fakeTransport) SubscribeTo(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	return nil
}

func (f *fakeTransport) SendEnvelope(env *wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Sent() []*wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*wire.Envelope(nil), f.sent...)
}

var errSend = errors.New("send failed")

func announce(uuid, name, version string) *wire.Envelope {
	return wire.NewSchema(wire.TopicNewNode, wire.Descriptor{Type: wire.TypeNewNode}, &wire.NewNodeMsg{
		AgentUUID: uuid,
		IP:        "10.0.0." + uuid[len(uuid)-1:],
		Name:      name,
		Info:      "test agent",
		Version:   version,
		Modules: []wire.ModuleDesc{
			{ID: 1, Name: "wifi", Functions: []string{"set_channel", "get_channel"}},
		},
		Interfaces: []wire.InterfaceDesc{{ID: 1, Name: "wlan0", ModuleIDs: []uint64{1}}},
	})
}

func hello(uuid string) *wire.Envelope {
	return wire.NewSchema(uuid, wire.Descriptor{Type: wire.TypeHello}, &wire.HelloMsg{UUID: uuid, Timeout: 9})
}

func exit(uuid string) *wire.Envelope {
	return wire.NewSchema(wire.TopicNodeExit, wire.Descriptor{Type: wire.TypeNodeExit}, &wire.NodeExitMsg{AgentUUID: uuid, Reason: "shutdown"})
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
