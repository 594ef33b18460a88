// Package correlator matches responses arriving from nodes with the calls
// that produced them. A call registers either a blocking waiter, which
// gathers one response per targeted node, or a callback that fires once per
// response. Responses that match no call id fall back to function-name
// callbacks and then to a default handler.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/morezero/fleet-controller/pkg/metrics"
)

const (
	logPrefix = "correlator:correlator"

	// closedHistory bounds how many finished call ids are remembered so
	// their late or duplicate responses are absorbed instead of rerouted.
	closedHistory = 4096
)

// Response is one node's answer to a call.
type Response struct {
	CallID   string
	Function string
	Node     string
	Value    any
	// Err is a *RemoteError when the node reported an exception.
	Err error
}

// Handler receives routed responses.
type Handler func(Response)

// Outcome is the aggregated result of a blocking call. Value is set when one
// node was targeted, Values (node to value) otherwise.
type Outcome struct {
	Value    any
	Values   map[string]any
	TimedOut bool
}

// RemoteError is raised when a node reports an exception for a call.
type RemoteError struct {
	Code     string `json:"code"`
	Node     string `json:"node"`
	CallID   string `json:"callId"`
	Function string `json:"function"`
	Message  string `json:"message"`
}

const CodeRemoteExecution = "REMOTE_EXECUTION"

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s on %s (call %s): %s", e.Code, e.Function, e.Node, e.CallID, e.Message)
}

// NewRemoteError builds a RemoteError from an exception payload.
func NewRemoteError(node, callID, function string, payload any) *RemoteError {
	return &RemoteError{
		Code:     CodeRemoteExecution,
		Node:     node,
		CallID:   callID,
		Function: function,
		Message:  fmt.Sprint(payload),
	}
}

// IsRemoteError reports whether err wraps a *RemoteError.
func IsRemoteError(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// Waiter is the handle returned by RegisterBlocking.
type Waiter struct {
	id       string
	expected int
	done     chan struct{}

	// guarded by Correlator.mu
	values   map[string]any
	single   any
	count    int
	firstErr error
}

// ID returns the call id the waiter is bound to.
func (w *Waiter) ID() string { return w.id }

// Get blocks until every expected response arrived or ctx ends. An expired
// deadline yields Outcome.TimedOut without error; the registration stays in
// place until Drop, absorbing any late response. Any other cancellation
// returns ctx.Err().
func (w *Waiter) Get(ctx context.Context) (Outcome, error) {
	select {
	case <-w.done:
		if w.firstErr != nil {
			return Outcome{}, w.firstErr
		}
		if w.expected == 1 {
			return Outcome{Value: w.single}, nil
		}
		return Outcome{Values: w.values}, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Outcome{TimedOut: true}, nil
		}
		return Outcome{}, ctx.Err()
	}
}

type callbackEntry struct {
	handler   Handler
	remaining int
	nodes     map[string]struct{}
}

type functionEntry struct {
	handler   Handler
	unlimited bool
	remaining int
}

// Correlator holds the correlation tables. It is safe for concurrent use.
type Correlator struct {
	nextID atomic.Uint64

	mu             sync.Mutex
	waiters        map[string]*Waiter
	callbacks      map[string]*callbackEntry
	functions      map[string]*functionEntry
	defaultHandler Handler
	closed         map[string]struct{}
	closedOrder    []string

	metrics *metrics.Metrics
}

// New creates an empty correlator. m may be nil.
func New(m *metrics.Metrics) *Correlator {
	return &Correlator{
		waiters:   make(map[string]*Waiter),
		callbacks: make(map[string]*callbackEntry),
		functions: make(map[string]*functionEntry),
		closed:    make(map[string]struct{}),
		metrics:   m,
	}
}

// NewCallID returns the next call id, unique for the process lifetime.
func (c *Correlator) NewCallID() string {
	return strconv.FormatUint(c.nextID.Add(1), 10)
}

// RegisterBlocking creates a waiter expecting one response per targeted node.
func (c *Correlator) RegisterBlocking(id string, expected int) *Waiter {
	if expected < 1 {
		expected = 1
	}
	w := &Waiter{
		id:       id,
		expected: expected,
		done:     make(chan struct{}),
		values:   make(map[string]any, expected),
	}
	c.mu.Lock()
	c.waiters[id] = w
	c.metrics.SetPending(len(c.waiters))
	c.mu.Unlock()
	return w
}

// RegisterCallback fires handler once per response to id, up to expected
// times, then unregisters itself.
func (c *Correlator) RegisterCallback(id string, handler Handler, expected int) {
	if expected < 1 {
		expected = 1
	}
	c.mu.Lock()
	c.callbacks[id] = &callbackEntry{handler: handler, remaining: expected, nodes: make(map[string]struct{})}
	c.mu.Unlock()
}

// RegisterFunctionCallback routes responses carrying function name and no
// matching call id to handler. expected 0 keeps it registered indefinitely.
func (c *Correlator) RegisterFunctionCallback(name string, handler Handler, expected int) {
	c.mu.Lock()
	c.functions[name] = &functionEntry{handler: handler, unlimited: expected <= 0, remaining: expected}
	c.mu.Unlock()
}

// SetDefaultHandler installs the last-resort handler. nil removes it.
func (c *Correlator) SetDefaultHandler(h Handler) {
	c.mu.Lock()
	c.defaultHandler = h
	c.mu.Unlock()
}

// Resolve records resp against its call id. It returns false when no
// registration or absorbed call matches the id.
func (c *Correlator) Resolve(resp Response) bool {
	if resp.CallID == "" {
		return false
	}

	c.mu.Lock()
	if w, ok := c.waiters[resp.CallID]; ok {
		c.resolveWaiterLocked(w, resp)
		c.mu.Unlock()
		c.metrics.Response("call_id")
		return true
	}
	if cb, ok := c.callbacks[resp.CallID]; ok {
		if resp.Node != "" {
			if _, seen := cb.nodes[resp.Node]; seen {
				c.mu.Unlock()
				slog.Debug(fmt.Sprintf("%s - Ignoring duplicate response from %s for call %s", logPrefix, resp.Node, resp.CallID))
				return true
			}
			cb.nodes[resp.Node] = struct{}{}
		}
		cb.remaining--
		if cb.remaining <= 0 {
			delete(c.callbacks, resp.CallID)
			c.rememberClosedLocked(resp.CallID)
		}
		handler := cb.handler
		c.mu.Unlock()
		c.metrics.Response("call_id")
		go runHandler(handler, resp)
		return true
	}
	if _, ok := c.closed[resp.CallID]; ok {
		c.mu.Unlock()
		c.metrics.Response("absorbed")
		slog.Debug(fmt.Sprintf("%s - Absorbed late response for call %s", logPrefix, resp.CallID))
		return true
	}
	c.mu.Unlock()
	return false
}

func (c *Correlator) resolveWaiterLocked(w *Waiter, resp Response) {
	if resp.Node != "" {
		if _, seen := w.values[resp.Node]; seen {
			slog.Debug(fmt.Sprintf("%s - Ignoring duplicate response from %s for call %s", logPrefix, resp.Node, w.id))
			return
		}
	}
	if w.count >= w.expected {
		return
	}

	w.count++
	key := resp.Node
	if key == "" {
		key = strconv.Itoa(w.count)
	}
	w.values[key] = resp.Value
	w.single = resp.Value
	if resp.Err != nil && w.firstErr == nil {
		w.firstErr = resp.Err
	}

	if w.count == w.expected {
		delete(c.waiters, w.id)
		c.rememberClosedLocked(w.id)
		c.metrics.SetPending(len(c.waiters))
		close(w.done)
	}
}

// ResolveByFunctionName routes resp to a function-name callback.
func (c *Correlator) ResolveByFunctionName(resp Response) bool {
	if resp.Function == "" {
		return false
	}
	c.mu.Lock()
	fe, ok := c.functions[resp.Function]
	if !ok {
		c.mu.Unlock()
		return false
	}
	if !fe.unlimited {
		fe.remaining--
		if fe.remaining <= 0 {
			delete(c.functions, resp.Function)
		}
	}
	handler := fe.handler
	c.mu.Unlock()

	c.metrics.Response("function")
	go runHandler(handler, resp)
	return true
}

// Deliver routes resp by call id, then function name, then the default
// handler. Responses nothing claims are logged and dropped.
func (c *Correlator) Deliver(resp Response) {
	if c.Resolve(resp) || c.ResolveByFunctionName(resp) {
		return
	}

	c.mu.Lock()
	h := c.defaultHandler
	c.mu.Unlock()
	if h != nil {
		c.metrics.Response("default")
		go runHandler(h, resp)
		return
	}

	c.metrics.Response("unroutable")
	slog.Warn(fmt.Sprintf("%s - Unroutable response from %s (call %q, function %q)", logPrefix, resp.Node, resp.CallID, resp.Function))
}

// Drop discards any registration for id. Responses that arrive later are
// absorbed silently.
func (c *Correlator) Drop(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, w := c.waiters[id]
	_, cb := c.callbacks[id]
	if !w && !cb {
		return
	}
	delete(c.waiters, id)
	delete(c.callbacks, id)
	c.rememberClosedLocked(id)
	c.metrics.SetPending(len(c.waiters))
}

// Pending returns the number of outstanding blocking waiters and callbacks.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters) + len(c.callbacks)
}

func (c *Correlator) rememberClosedLocked(id string) {
	if _, ok := c.closed[id]; ok {
		return
	}
	c.closed[id] = struct{}{}
	c.closedOrder = append(c.closedOrder, id)
	if len(c.closedOrder) > closedHistory {
		oldest := c.closedOrder[0]
		c.closedOrder = c.closedOrder[1:]
		delete(c.closed, oldest)
	}
}

func runHandler(h Handler, resp Response) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - Response handler panicked for call %q: %v", logPrefix, resp.CallID, r))
		}
	}()
	h(resp)
}
