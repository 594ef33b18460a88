// Package rules installs and removes event rules on nodes and routes the
// events those rules raise back to local callbacks.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/morezero/fleet-controller/pkg/wire"
)

const logPrefix = "rules:rules"

const (
	CapabilityMgmt     = "mgmt"
	FunctionAddRule    = "add_rule"
	FunctionDeleteRule = "delete_rule"
)

var ErrUnknownRule = errors.New("unknown rule")

// Permanence controls whether a rule survives its first firing.
type Permanence string

const (
	Persistent Permanence = "persistent"
	// Transient rules are removed by the node after they fire once. The
	// local descriptor is kept until Remove is called.
	Transient Permanence = "transient"
)

// Event selects what a rule samples.
type Event struct {
	// Kind is "time" (poll Function every Interval seconds) or "packet".
	Kind       string  `cbor:"kind" json:"kind"`
	Capability string  `cbor:"capability,omitempty" json:"capability,omitempty"`
	Function   string  `cbor:"function,omitempty" json:"function,omitempty"`
	Iface      string  `cbor:"iface,omitempty" json:"iface,omitempty"`
	Interval   float64 `cbor:"interval,omitempty" json:"interval,omitempty"`
}

// Filter transforms sampled values before matching.
type Filter struct {
	// Kind is "moving_average" or "peak_detector".
	Kind      string  `cbor:"kind" json:"kind"`
	Window    int     `cbor:"window,omitempty" json:"window,omitempty"`
	Threshold float64 `cbor:"threshold,omitempty" json:"threshold,omitempty"`
}

// Match is the condition that makes a rule fire.
type Match struct {
	Condition string `cbor:"condition" json:"condition"`
	Value     any    `cbor:"value" json:"value"`
}

// Action is run on the node when the rule fires.
type Action struct {
	Capability string `cbor:"capability" json:"capability"`
	Function   string `cbor:"function" json:"function"`
	Args       []any  `cbor:"args,omitempty" json:"args,omitempty"`
}

// Rule is the definition sent to mgmt.add_rule.
type Rule struct {
	Event      Event      `cbor:"event" json:"event"`
	Filters    []Filter   `cbor:"filters,omitempty" json:"filters,omitempty"`
	Match      *Match     `cbor:"match,omitempty" json:"match,omitempty"`
	Action     *Action    `cbor:"action,omitempty" json:"action,omitempty"`
	Permanence Permanence `cbor:"permanence" json:"permanence"`
}

// Callback receives the value carried by a rule event.
type Callback func(d *Descriptor, value any)

// Descriptor is a rule installed on a node.
type Descriptor struct {
	NodeUUID string
	ID       int64
	Rule     Rule
	Callback Callback

	manager *Manager
}

// Remove deletes the rule from its node.
func (d *Descriptor) Remove(ctx context.Context) (any, error) {
	return d.manager.Remove(ctx, d.ID, d.NodeUUID)
}

// Caller performs a blocking call on one node.
type Caller interface {
	CallNode(ctx context.Context, node, capability, function string, args ...any) (any, error)
}

// Recorder keeps an audit trail of rule changes. Optional.
type Recorder interface {
	RecordRule(ctx context.Context, nodeUUID string, ruleID int64, op string, definition any) error
}

// Manager tracks installed rules per node.
type Manager struct {
	caller   Caller
	recorder Recorder

	mu     sync.Mutex
	byNode map[string]map[int64]*Descriptor
}

// NewManager creates a manager. recorder may be nil.
func NewManager(caller Caller, recorder Recorder) *Manager {
	return &Manager{
		caller:   caller,
		recorder: recorder,
		byNode:   make(map[string]map[int64]*Descriptor),
	}
}

// Add installs rule on node and returns its descriptor.
func (m *Manager) Add(ctx context.Context, node string, rule Rule, cb Callback) (*Descriptor, error) {
	if rule.Permanence == "" {
		rule.Permanence = Persistent
	}
	slog.Debug(fmt.Sprintf("%s - Adding %s rule on node %s", logPrefix, rule.Event.Kind, node))

	result, err := m.caller.CallNode(ctx, node, CapabilityMgmt, FunctionAddRule, rule)
	if err != nil {
		return nil, fmt.Errorf("%s - add_rule on %s: %w", logPrefix, node, err)
	}
	id, err := toRuleID(result)
	if err != nil {
		return nil, fmt.Errorf("%s - add_rule on %s: %w", logPrefix, node, err)
	}

	d := &Descriptor{NodeUUID: node, ID: id, Rule: rule, Callback: cb, manager: m}
	m.mu.Lock()
	if m.byNode[node] == nil {
		m.byNode[node] = make(map[int64]*Descriptor)
	}
	m.byNode[node][id] = d
	m.mu.Unlock()

	m.record(ctx, node, id, "add", rule)
	return d, nil
}

// Remove deletes rule id from node. An empty node is resolved from the
// rules added through this manager.
func (m *Manager) Remove(ctx context.Context, id int64, node string) (any, error) {
	if node == "" {
		m.mu.Lock()
		for uuid, rules := range m.byNode {
			if _, ok := rules[id]; ok {
				node = uuid
				break
			}
		}
		m.mu.Unlock()
		if node == "" {
			return nil, fmt.Errorf("%s - %w: %d", logPrefix, ErrUnknownRule, id)
		}
	}
	slog.Debug(fmt.Sprintf("%s - Removing rule %d from node %s", logPrefix, id, node))

	result, err := m.caller.CallNode(ctx, node, CapabilityMgmt, FunctionDeleteRule, id)
	if err != nil {
		return nil, fmt.Errorf("%s - delete_rule on %s: %w", logPrefix, node, err)
	}

	m.mu.Lock()
	if rules := m.byNode[node]; rules != nil {
		delete(rules, id)
		if len(rules) == 0 {
			delete(m.byNode, node)
		}
	}
	m.mu.Unlock()

	m.record(ctx, node, id, "remove", nil)
	return result, nil
}

// Rules returns the rules installed on node ordered by id.
func (m *Manager) Rules(node string) []*Descriptor {
	m.mu.Lock()
	out := make([]*Descriptor, 0, len(m.byNode[node]))
	for _, d := range m.byNode[node] {
		out = append(out, d)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ForgetNode drops local descriptors of a node that left.
func (m *Manager) ForgetNode(node string) {
	m.mu.Lock()
	delete(m.byNode, node)
	m.mu.Unlock()
}

// Receive routes a rule event to its descriptor's callback on a new goroutine.
func (m *Manager) Receive(env *wire.Envelope) {
	var ev wire.RuleEvent
	if err := env.DecodeOpaque(&ev); err != nil {
		slog.Warn(fmt.Sprintf("%s - Dropping malformed rule event: %v", logPrefix, err))
		return
	}

	node := env.Sender()
	m.mu.Lock()
	d := m.byNode[node][ev.RuleID]
	if d == nil {
		for _, rules := range m.byNode {
			if cand, ok := rules[ev.RuleID]; ok {
				d = cand
				break
			}
		}
	}
	m.mu.Unlock()

	if d == nil {
		slog.Warn(fmt.Sprintf("%s - Event for unknown rule %d from %s", logPrefix, ev.RuleID, node))
		return
	}
	if d.Callback == nil {
		slog.Debug(fmt.Sprintf("%s - Rule %d fired on %s without callback", logPrefix, d.ID, d.NodeUUID))
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error(fmt.Sprintf("%s - Rule %d callback panicked: %v", logPrefix, d.ID, r))
			}
		}()
		d.Callback(d, ev.Value)
	}()
}

func (m *Manager) record(ctx context.Context, node string, id int64, op string, rule any) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.RecordRule(ctx, node, id, op, rule); err != nil {
		slog.Warn(fmt.Sprintf("%s - Failed to journal rule %d (%s): %v", logPrefix, id, op, err))
	}
}

func toRuleID(v any) (int64, error) {
	switch id := v.(type) {
	case int64:
		return id, nil
	case uint64:
		return int64(id), nil
	case int:
		return int64(id), nil
	case float64:
		return int64(id), nil
	case string:
		return strconv.ParseInt(id, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected rule id %T", v)
	}
}
