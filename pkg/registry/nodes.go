package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/morezero/fleet-controller/pkg/semver"
	"github.com/morezero/fleet-controller/pkg/wire"
)

const nodesLogPrefix = "registry:nodes"

// AddNode registers the node announced in env. Re-announcing a known UUID is
// a no-op that returns the existing node. A new node gets its topic
// subscribed, a liveness countdown, observer notifications and, after the
// ack delay, a NewNodeAck.
func (r *Registry) AddNode(env *wire.Envelope) (*Node, error) {
	var msg wire.NewNodeMsg
	if err := env.ParseMessage(&msg); err != nil {
		return nil, fmt.Errorf("%s - failed to parse announcement: %w", nodesLogPrefix, err)
	}
	if msg.AgentUUID == "" {
		return nil, NewRegistryError(CodeMalformedMessage, "announcement without agent uuid")
	}

	if err := semver.CheckAgentVersion(msg.Version, r.config.AgentVersionConstraint); err != nil {
		r.metrics.NodeEvent("rejected")
		slog.Warn(fmt.Sprintf("%s - Rejecting node %s (%s): %v", nodesLogPrefix, msg.AgentUUID, msg.Name, err))
		return nil, &RegistryError{Code: CodeIncompatibleVersion, Message: err.Error(), Details: map[string]string{
			"version":    msg.Version,
			"constraint": r.config.AgentVersionConstraint,
		}}
	}

	r.mu.Lock()
	if existing, ok := r.nodes[msg.AgentUUID]; ok {
		r.mu.Unlock()
		r.metrics.NodeEvent("duplicate")
		slog.Debug(fmt.Sprintf("%s - Already known node UUID: %s, Name: %s", nodesLogPrefix, msg.AgentUUID, msg.Name))
		return existing, nil
	}

	node := newNode(&msg)
	node.remaining.Store(r.livenessTicks())
	r.nodes[node.UUID] = node
	if r.catalog != nil {
		for _, name := range r.catalog.GroupsForNode(node.Name) {
			r.groupLocked(name).addLocked(node.UUID)
		}
	}
	count := len(r.nodes)
	r.mu.Unlock()

	r.metrics.SetNodes(count)
	r.metrics.NodeEvent("joined")
	slog.Info(fmt.Sprintf("%s - New node UUID: %s, Name: %s, IP: %s", nodesLogPrefix, node.UUID, node.Name, node.IP))

	if r.transport != nil {
		if err := r.transport.SubscribeTo(node.UUID); err != nil {
			slog.Error(fmt.Sprintf("%s - Failed to subscribe to node %s: %v", nodesLogPrefix, node.UUID, err))
		}
	}

	r.wg.Add(1)
	go r.countdown(node)

	r.notifyNew(node)
	r.scheduleAck(node.UUID)
	return node, nil
}

func newNode(msg *wire.NewNodeMsg) *Node {
	n := &Node{
		UUID:         msg.AgentUUID,
		IP:           msg.IP,
		Name:         msg.Name,
		Info:         msg.Info,
		Version:      msg.Version,
		Modules:      make(map[string]ModuleDescriptor, len(msg.Modules)),
		Interfaces:   make(map[string][]string, len(msg.Interfaces)),
		DiscoveredAt: time.Now(),
		stop:         make(chan struct{}),
	}
	for _, m := range msg.Modules {
		n.Modules[strconv.FormatUint(m.ID, 10)] = ModuleDescriptor{
			ID:         m.ID,
			Name:       m.Name,
			Device:     m.Device,
			Attributes: m.Attributes,
			Functions:  m.Functions,
			Events:     m.Events,
			Services:   m.Services,
		}
	}
	for _, iface := range msg.Interfaces {
		ids := make([]string, 0, len(iface.ModuleIDs))
		for _, id := range iface.ModuleIDs {
			ids = append(ids, strconv.FormatUint(id, 10))
		}
		n.Interfaces[iface.Name] = ids
	}
	return n
}

func (r *Registry) scheduleAck(agentUUID string) {
	ack := wire.NewSchema(agentUUID, wire.Descriptor{
		Type:     wire.TypeNewNodeAck,
		Function: wire.TypeNewNodeAck,
	}, &wire.NewNodeAck{
		Status:         true,
		ControllerUUID: r.config.ControllerUUID,
		AgentUUID:      agentUUID,
		Topics:         []string{wire.TopicAll},
	})

	send := func() {
		if r.transport == nil {
			return
		}
		if err := r.transport.SendEnvelope(ack); err != nil {
			slog.Error(fmt.Sprintf("%s - Failed to ack node %s: %v", nodesLogPrefix, agentUUID, err))
		}
	}
	if r.config.AckDelay <= 0 {
		send()
		return
	}
	time.AfterFunc(r.config.AckDelay, send)
}

// RemoveNode handles an explicit exit announcement. Unknown nodes are ignored.
func (r *Registry) RemoveNode(env *wire.Envelope) (*Node, bool) {
	var msg wire.NodeExitMsg
	if err := env.ParseMessage(&msg); err != nil {
		slog.Warn(fmt.Sprintf("%s - Dropping malformed exit message: %v", nodesLogPrefix, err))
		return nil, false
	}
	uuid := msg.AgentUUID
	if uuid == "" {
		uuid = env.Sender()
	}

	node := r.Node(uuid)
	if node == nil {
		return nil, false
	}
	slog.Info(fmt.Sprintf("%s - Node %s exits, agent reason: %q", nodesLogPrefix, uuid, msg.Reason))
	return node, r.remove(node, ReasonExplicit)
}

// remove deletes node if it is still the registered value for its UUID.
// It reports whether this call performed the removal.
func (r *Registry) remove(node *Node, reason string) bool {
	r.mu.Lock()
	cur, ok := r.nodes[node.UUID]
	if !ok || cur != node {
		r.mu.Unlock()
		return false
	}
	delete(r.nodes, node.UUID)
	for _, g := range r.groups {
		g.removeLocked(node.UUID)
	}
	count := len(r.nodes)
	r.mu.Unlock()

	node.removed.Do(func() { close(node.stop) })

	r.metrics.SetNodes(count)
	r.metrics.NodeEvent(reason)
	slog.Info(fmt.Sprintf("%s - Removed node UUID: %s, Reason: %s", nodesLogPrefix, node.UUID, reason))
	r.notifyExit(node, reason)
	return true
}

// countdown evicts n after HeartbeatTimeout without a refresh.
func (r *Registry) countdown(n *Node) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.LivenessTick)
	defer ticker.Stop()

	for {
		select {
		case <-n.stop:
			return
		case <-r.shutdown:
			return
		case <-ticker.C:
			if n.remaining.Add(-1) > 0 {
				continue
			}
			r.remove(n, ReasonHeartbeatTimeout)
			return
		}
	}
}

// Refresh resets the liveness countdown of a node.
func (r *Registry) Refresh(uuid string) bool {
	node := r.Node(uuid)
	if node == nil {
		return false
	}
	node.remaining.Store(r.livenessTicks())
	return true
}

// Heartbeat refreshes the sender's countdown and replies with the
// controller's own HelloMsg. Heartbeats from unknown nodes are ignored.
func (r *Registry) Heartbeat(env *wire.Envelope) error {
	var msg wire.HelloMsg
	if err := env.ParseMessage(&msg); err != nil {
		return fmt.Errorf("%s - failed to parse heartbeat: %w", nodesLogPrefix, err)
	}
	uuid := msg.UUID
	if uuid == "" {
		uuid = env.Sender()
	}

	if !r.Refresh(uuid) {
		slog.Debug(fmt.Sprintf("%s - Heartbeat from unknown node %s ignored", nodesLogPrefix, uuid))
		return nil
	}

	if r.transport == nil {
		return nil
	}
	reply := wire.NewSchema(uuid, wire.Descriptor{Type: wire.TypeHello, Function: wire.TypeHello}, &wire.HelloMsg{
		UUID:    r.config.ControllerUUID,
		Timeout: uint64(r.HeartbeatTimeout() / time.Second),
	})
	if err := r.transport.SendEnvelope(reply); err != nil {
		return fmt.Errorf("%s - failed to answer heartbeat from %s: %w", nodesLogPrefix, uuid, err)
	}
	return nil
}

// Node returns the node with uuid, or nil.
func (r *Registry) Node(uuid string) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[uuid]
}

// NodeByIP returns the first node announcing ip, or nil.
func (r *Registry) NodeByIP(ip string) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.nodes {
		if n.IP == ip {
			return n
		}
	}
	return nil
}

// Lookup resolves a UUID or an IP address to a node.
func (r *Registry) Lookup(uuidOrIP string) *Node {
	if n := r.Node(uuidOrIP); n != nil {
		return n
	}
	return r.NodeByIP(uuidOrIP)
}

// Nodes returns all nodes ordered by name, then UUID.
func (r *Registry) Nodes() []*Node {
	r.mu.RLock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].UUID < out[j].UUID
	})
	return out
}

// Count returns the number of registered nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func (r *Registry) notifyNew(n *Node) {
	r.obsMu.RLock()
	observers := append([]func(*Node){}, r.onNew...)
	r.obsMu.RUnlock()
	for _, fn := range observers {
		go func(fn func(*Node)) {
			defer recoverObserver("new-node", n.UUID)
			fn(n)
		}(fn)
	}
}

func (r *Registry) notifyExit(n *Node, reason string) {
	r.obsMu.RLock()
	observers := append([]func(*Node, string){}, r.onExit...)
	r.obsMu.RUnlock()
	for _, fn := range observers {
		go func(fn func(*Node, string)) {
			defer recoverObserver("node-exit", n.UUID)
			fn(n, reason)
		}(fn)
	}
}

func recoverObserver(kind, uuid string) {
	if rec := recover(); rec != nil {
		slog.Error(fmt.Sprintf("%s - %s observer panicked for node %s: %v", nodesLogPrefix, kind, uuid, rec))
	}
}
