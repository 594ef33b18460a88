package controller

import (
	"time"

	"github.com/morezero/fleet-controller/pkg/correlator"
)

type scopeKind int

const (
	scopeNone scopeKind = iota
	scopeNode
	scopeNodes
	scopeGroup
)

// CallContext describes one invocation: who it targets, when it runs, how
// its result comes back and what it calls. It is an immutable value; every
// With method returns a modified copy, so a base context can be shared and
// specialised freely.
//
// The zero value is a blocking call without timeout and without scope.
type CallContext struct {
	scope scopeKind
	nodes []string
	group string

	iface    string
	delay    time.Duration
	execTime time.Time
	timeout  time.Duration
	async    bool
	callback correlator.Handler

	capability string
	function   string
	args       []any
	kwargs     map[string]any
}

// NewCallContext returns an empty blocking context.
func NewCallContext() CallContext { return CallContext{} }

// WithNode targets a single node by UUID or IP.
func (c CallContext) WithNode(node string) CallContext {
	c.scope, c.nodes, c.group = scopeNode, []string{node}, ""
	return c
}

// WithNodes targets an explicit list of nodes.
func (c CallContext) WithNodes(nodes ...string) CallContext {
	c.scope, c.nodes, c.group = scopeNodes, append([]string(nil), nodes...), ""
	return c
}

// WithGroup targets every member of a named group at dispatch time.
func (c CallContext) WithGroup(name string) CallContext {
	c.scope, c.nodes, c.group = scopeGroup, nil, name
	return c
}

func (c CallContext) WithIface(iface string) CallContext {
	c.iface = iface
	return c
}

// WithDelay schedules the call d after dispatch. Scheduled calls never block.
func (c CallContext) WithDelay(d time.Duration) CallContext {
	c.delay, c.execTime = d, time.Time{}
	return c
}

// WithExecTime schedules the call at t. Scheduled calls never block.
func (c CallContext) WithExecTime(t time.Time) CallContext {
	c.execTime, c.delay = t, 0
	return c
}

// WithTimeout bounds a blocking wait. Zero waits indefinitely.
func (c CallContext) WithTimeout(d time.Duration) CallContext {
	c.timeout = d
	return c
}

func (c CallContext) WithBlocking(blocking bool) CallContext {
	c.async = !blocking
	return c
}

// WithCallback delivers each node's response to h instead of blocking.
func (c CallContext) WithCallback(h correlator.Handler) CallContext {
	c.callback = h
	return c
}

// WithCall sets the capability function to invoke and its positional args.
func (c CallContext) WithCall(capability, function string, args ...any) CallContext {
	c.capability, c.function = capability, function
	c.args = append([]any(nil), args...)
	return c
}

func (c CallContext) WithKwargs(kwargs map[string]any) CallContext {
	c.kwargs = make(map[string]any, len(kwargs))
	for k, v := range kwargs {
		c.kwargs[k] = v
	}
	return c
}

// Scheduled reports whether the call carries a delay or an execution time.
func (c CallContext) Scheduled() bool {
	return c.delay != 0 || !c.execTime.IsZero()
}

// Blocking reports the effective mode: a callback or a schedule always
// makes the call non-blocking.
func (c CallContext) Blocking() bool {
	return !c.async && c.callback == nil && !c.Scheduled()
}

func (c CallContext) Capability() string { return c.capability }
func (c CallContext) Function() string   { return c.function }
func (c CallContext) Args() []any        { return c.args }
func (c CallContext) Iface() string      { return c.iface }
func (c CallContext) Timeout() time.Duration {
	return c.timeout
}

func (c CallContext) mode() string {
	switch {
	case c.callback != nil:
		return "callback"
	case c.Scheduled():
		return "scheduled"
	case c.Blocking():
		return "blocking"
	default:
		return "async"
	}
}
