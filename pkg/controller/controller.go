// Package controller orchestrates the fleet: it resolves call scopes to
// nodes, fans commands out over the transport, correlates the responses and
// routes every inbound message to the node registry, the rule manager or the
// call correlator.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/fleet-controller/pkg/bootstrap"
	"github.com/morezero/fleet-controller/pkg/correlator"
	"github.com/morezero/fleet-controller/pkg/metrics"
	"github.com/morezero/fleet-controller/pkg/registry"
	"github.com/morezero/fleet-controller/pkg/rules"
	"github.com/morezero/fleet-controller/pkg/wire"
)

const (
	logPrefix = "controller:controller"

	defaultCallTimeout = 25 * time.Second
)

// Transport is the channel the controller pumps and publishes on.
type Transport interface {
	registry.Transport
	Send(parts wire.Parts) error
	SetReceiveHandler(fn func(*wire.Envelope))
	PumpOnce(ctx context.Context) error
}

// Lifecycle is a collaborator started and stopped with the controller, such
// as a supervisor for local modules.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Config holds controller configuration.
type Config struct {
	// UUID identifies the controller to agents. Generated when empty.
	UUID string
	Name string
	Info string
	// CallTimeout bounds CallNode when ctx has no deadline.
	CallTimeout time.Duration
	Registry    registry.Config
}

// NewControllerParams holds parameters for New.
type NewControllerParams struct {
	Transport Transport
	// Catalog validates capability functions before sending. Optional.
	Catalog      *bootstrap.Catalog
	Metrics      *metrics.Metrics
	RuleRecorder rules.Recorder
	Lifecycle    []Lifecycle
	Config       Config
}

// Result is the outcome of Invoke. Non-blocking calls only carry CallID.
// Blocking calls targeting one node set Value, several nodes set Values
// keyed by node UUID.
type Result struct {
	CallID   string
	TimedOut bool
	Value    any
	Values   map[string]any
}

// Controller is the fleet control plane.
type Controller struct {
	uuid string
	name string
	info string

	transport   Transport
	catalog     *bootstrap.Catalog
	metrics     *metrics.Metrics
	callTimeout time.Duration

	nodes *registry.Registry
	calls *correlator.Correlator
	rules *rules.Manager

	lifecycle []Lifecycle
	startOnce sync.Once
	stopOnce  sync.Once

	now func() time.Time
}

// New wires a controller and installs its dispatcher on the transport.
func New(params NewControllerParams) *Controller {
	cfg := params.Config
	if cfg.UUID == "" {
		cfg.UUID = uuid.NewString()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	cfg.Registry.ControllerUUID = cfg.UUID

	c := &Controller{
		uuid:        cfg.UUID,
		name:        cfg.Name,
		info:        cfg.Info,
		transport:   params.Transport,
		catalog:     params.Catalog,
		metrics:     params.Metrics,
		callTimeout: cfg.CallTimeout,
		calls:       correlator.New(params.Metrics),
		lifecycle:   params.Lifecycle,
		now:         time.Now,
	}
	c.nodes = registry.NewRegistry(registry.NewRegistryParams{
		Transport: params.Transport,
		Catalog:   params.Catalog,
		Metrics:   params.Metrics,
		Config:    cfg.Registry,
	})
	c.rules = rules.NewManager(c, params.RuleRecorder)
	c.nodes.OnNodeExit(func(n *registry.Node, _ string) { c.rules.ForgetNode(n.UUID) })

	if params.Transport != nil {
		params.Transport.SetReceiveHandler(c.Dispatch)
	}
	return c
}

func (c *Controller) UUID() string                       { return c.uuid }
func (c *Controller) Name() string                       { return c.name }
func (c *Controller) Info() string                       { return c.info }
func (c *Controller) Registry() *registry.Registry       { return c.nodes }
func (c *Controller) Rules() *rules.Manager              { return c.rules }
func (c *Controller) Correlator() *correlator.Correlator { return c.calls }
func (c *Controller) Catalog() *bootstrap.Catalog        { return c.catalog }

// Invoke sends the call described by cc to every node in its scope. Blocking
// calls wait for one response per node, bounded by the context timeout;
// other calls return the call id immediately.
func (c *Controller) Invoke(ctx context.Context, cc CallContext) (*Result, error) {
	if cc.capability == "" || cc.function == "" {
		return nil, NewError(CodeInvalidCall, "capability and function are required")
	}
	capability := cc.capability
	if c.catalog != nil {
		if err := c.catalog.Validate(capability, cc.function); err != nil {
			return nil, &Error{Code: CodeUnknownFunction, Message: err.Error()}
		}
		capability = c.catalog.ResolveAlias(capability)
	}

	targets, err := c.resolveScope(cc)
	if err != nil {
		return nil, err
	}

	var execTime string
	if cc.Scheduled() {
		now := c.now()
		at := cc.execTime
		if cc.delay != 0 {
			at = now.Add(cc.delay)
		}
		if !at.After(now) {
			return nil, &Error{
				Code:    CodePastSchedule,
				Message: fmt.Sprintf("execution time %s is not in the future", at.UTC().Format(time.RFC3339Nano)),
			}
		}
		execTime = at.UTC().Format(time.RFC3339Nano)
	}

	callID := c.calls.NewCallID()
	env, err := wire.NewOpaque(targets[0].UUID, wire.Descriptor{
		Type:     capability,
		Function: cc.function,
		CallID:   callID,
		Iface:    cc.iface,
		ExecTime: execTime,
	}, wire.CallArgs{Args: cc.args, Kwargs: cc.kwargs})
	if err != nil {
		return nil, &Error{Code: CodeInvalidCall, Message: err.Error()}
	}
	parts, err := wire.Encode(env)
	if err != nil {
		return nil, &Error{Code: CodeInvalidCall, Message: err.Error()}
	}

	var waiter *correlator.Waiter
	switch {
	case cc.callback != nil:
		c.calls.RegisterCallback(callID, cc.callback, len(targets))
	case cc.Blocking():
		waiter = c.calls.RegisterBlocking(callID, len(targets))
	}

	// One envelope per node; the payload is encoded once and only the
	// destination part changes.
	for _, node := range targets {
		p := parts
		p[0] = []byte(node.UUID)
		if err := c.transport.Send(p); err != nil {
			c.calls.Drop(callID)
			return nil, fmt.Errorf("%s - send %s.%s to %s: %w", logPrefix, capability, cc.function, node.UUID, err)
		}
	}
	c.metrics.CallSent(capability, cc.mode(), len(targets))
	slog.Debug(fmt.Sprintf("%s - Sent %s.%s call %s to %d node(s)", logPrefix, capability, cc.function, callID, len(targets)))

	if waiter == nil {
		return &Result{CallID: callID}, nil
	}

	wctx := ctx
	if cc.timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, cc.timeout)
		defer cancel()
	}
	out, err := waiter.Get(wctx)
	if err != nil {
		if correlator.IsRemoteError(err) {
			return &Result{CallID: callID}, err
		}
		c.calls.Drop(callID)
		return nil, err
	}
	return &Result{CallID: callID, TimedOut: out.TimedOut, Value: out.Value, Values: out.Values}, nil
}

// Discard drops the correlation entry of a timed out call. Responses that
// still arrive are absorbed.
func (c *Controller) Discard(callID string) {
	c.calls.Drop(callID)
}

func (c *Controller) resolveScope(cc CallContext) ([]*registry.Node, error) {
	switch cc.scope {
	case scopeNode, scopeNodes:
		out := make([]*registry.Node, 0, len(cc.nodes))
		seen := make(map[string]struct{}, len(cc.nodes))
		for _, ref := range cc.nodes {
			n := c.nodes.Lookup(ref)
			if n == nil {
				return nil, &Error{Code: CodeUnknownDestination, Message: fmt.Sprintf("node %q is not registered", ref)}
			}
			if _, dup := seen[n.UUID]; dup {
				continue
			}
			seen[n.UUID] = struct{}{}
			out = append(out, n)
		}
		if len(out) == 0 {
			return nil, &Error{Code: CodeUnknownDestination, Message: "empty node list"}
		}
		return out, nil
	case scopeGroup:
		g, ok := c.nodes.LookupGroup(cc.group)
		if !ok {
			return nil, &Error{Code: CodeUnknownDestination, Message: fmt.Sprintf("group %q does not exist", cc.group)}
		}
		members := g.Nodes()
		if len(members) == 0 {
			return nil, &Error{Code: CodeUnknownDestination, Message: fmt.Sprintf("group %q has no members", cc.group)}
		}
		return members, nil
	default:
		return nil, NewError(CodeInvalidCall, "call has no destination")
	}
}

// CallNode performs a blocking call on one node and returns its value.
// Timeouts are reported as ErrCallTimeout.
func (c *Controller) CallNode(ctx context.Context, node, capability, function string, args ...any) (any, error) {
	cc := NewCallContext().WithNode(node).WithCall(capability, function, args...)
	if _, ok := ctx.Deadline(); !ok {
		cc = cc.WithTimeout(c.callTimeout)
	}
	res, err := c.Invoke(ctx, cc)
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		c.Discard(res.CallID)
		return nil, &Error{Code: CodeCallTimeout, Message: fmt.Sprintf("%s.%s on %s", capability, function, node)}
	}
	return res.Value, nil
}

// OnFunction routes unsolicited responses for function to h.
func (c *Controller) OnFunction(function string, h correlator.Handler) {
	c.calls.RegisterFunctionCallback(function, h, 0)
}

// SetDefaultHandler receives responses nothing else claims.
func (c *Controller) SetDefaultHandler(h correlator.Handler) {
	c.calls.SetDefaultHandler(h)
}

// StartEvent asks the nodes in cc to start emitting event.
func (c *Controller) StartEvent(ctx context.Context, cc CallContext, capability, event string) (*Result, error) {
	return c.Invoke(ctx, cc.WithCall(capability, event, "start"))
}

// StopEvent asks the nodes in cc to stop emitting event.
func (c *Controller) StopEvent(ctx context.Context, cc CallContext, capability, event string) (*Result, error) {
	return c.Invoke(ctx, cc.WithCall(capability, event, "stop"))
}

// StartService starts a long-running service on the nodes in cc.
func (c *Controller) StartService(ctx context.Context, cc CallContext, capability, service string) (*Result, error) {
	return c.Invoke(ctx, cc.WithCall(capability, service, "start"))
}

// StopService stops a service on the nodes in cc.
func (c *Controller) StopService(ctx context.Context, cc CallContext, capability, service string) (*Result, error) {
	return c.Invoke(ctx, cc.WithCall(capability, service, "stop"))
}
