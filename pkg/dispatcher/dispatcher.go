package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/fleet-controller/pkg/commsutil"
	"github.com/morezero/fleet-controller/pkg/controller"
	"github.com/morezero/fleet-controller/pkg/correlator"
	"github.com/morezero/fleet-controller/pkg/db"
	"github.com/morezero/fleet-controller/pkg/registry"
)

const logPrefix = "dispatcher:dispatch"

const historyLimit = 20

// History reads the journal. *db.Journal implements it.
type History interface {
	RecentNodeEvents(ctx context.Context, nodeUUID string, limit int) ([]db.NodeEvent, error)
	RuleHistory(ctx context.Context, nodeUUID string, ruleID int64) ([]db.RuleEvent, error)
}

// NewDispatcherParams holds parameters for NewDispatcher.
type NewDispatcherParams struct {
	Controller *controller.Controller
	// DB is pinged by health. Optional.
	DB registry.Pinger
	// History adds journaled events to describeNode and serves
	// ruleHistory. Optional.
	History History
}

// Dispatcher routes management requests to the controller.
type Dispatcher struct {
	ctrl    *controller.Controller
	db      registry.Pinger
	history History

	inflight sync.WaitGroup
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(params NewDispatcherParams) *Dispatcher {
	return &Dispatcher{ctrl: params.Controller, db: params.DB, history: params.History}
}

// Dispatch routes a request to the appropriate handler and returns a response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	slog.Debug(fmt.Sprintf("%s - method=%s id=%s", logPrefix, req.Method, req.ID))

	switch req.Method {
	case "listNodes":
		return d.handleListNodes(req)
	case "describeNode":
		return d.handleDescribeNode(ctx, req)
	case "listGroups":
		return d.handleListGroups(req)
	case "joinGroup":
		return d.handleJoinGroup(req)
	case "leaveGroup":
		return d.handleLeaveGroup(req)
	case "invoke":
		return d.handleInvoke(ctx, req)
	case "ruleHistory":
		return d.handleRuleHistory(ctx, req)
	case "health":
		return &Response{ID: req.ID, Ok: true, Result: d.ctrl.Registry().Health(ctx, d.db)}
	default:
		return errorResponse(req.ID, "METHOD_NOT_FOUND", fmt.Sprintf("Unknown method: %s", req.Method), false)
	}
}

// HandleMsg returns a COMMS handler that decodes a Request, dispatches it
// with a per-request timeout and replies with the encoded Response.
// ctx.TimeoutMs shortens the timeout, never extends it. Each request runs on
// its own goroutine so a blocking invoke does not hold up the subscription.
func (d *Dispatcher) HandleMsg(ctx context.Context, timeout time.Duration) comms.MsgHandler {
	return func(msg *comms.Msg) {
		req, err := commsutil.Decode[Request](msg.Data)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - failed to decode request: %v", logPrefix, err))
			respond(msg, errorResponse("", "INVALID_REQUEST", "Failed to decode request", false))
			return
		}

		limit := timeout
		if req.Ctx != nil && req.Ctx.TimeoutMs > 0 {
			if ms := time.Duration(req.Ctx.TimeoutMs) * time.Millisecond; ms < limit {
				limit = ms
			}
		}

		d.inflight.Add(1)
		go func() {
			defer d.inflight.Done()
			reqCtx, cancel := context.WithTimeout(ctx, limit)
			defer cancel()
			respond(msg, d.Dispatch(reqCtx, &req))
		}()
	}
}

// Wait blocks until every request started by HandleMsg has replied.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

func respond(msg *comms.Msg, resp *Response) {
	err := commsutil.Reply(msg, resp)
	if err != nil && resp.Ok {
		slog.Error(fmt.Sprintf("%s - failed to reply: %v", logPrefix, err))
		err = commsutil.Reply(msg, errorResponse(resp.ID, "INTERNAL_ERROR", "Failed to encode response", false))
	}
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - respond: %v", logPrefix, err))
	}
}

func (d *Dispatcher) handleListNodes(req *Request) *Response {
	var input ListNodesParams
	if err := decodeParams(req, &input); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "Failed to parse listNodes params", false)
	}

	var nodes []*registry.Node
	if input.Group != "" {
		g, ok := d.ctrl.Registry().LookupGroup(input.Group)
		if !ok {
			return errorResponse(req.ID, registry.CodeGroupNotFound, fmt.Sprintf("Group %q does not exist", input.Group), false)
		}
		nodes = g.Nodes()
	} else {
		nodes = d.ctrl.Registry().Nodes()
	}

	out := make([]registry.NodeSnapshot, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Snapshot())
	}
	return &Response{ID: req.ID, Ok: true, Result: out}
}

func (d *Dispatcher) handleDescribeNode(ctx context.Context, req *Request) *Response {
	var input NodeParams
	if err := decodeParams(req, &input); err != nil || input.Node == "" {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "describeNode requires a node", false)
	}
	n := d.ctrl.Registry().Lookup(input.Node)
	if n == nil {
		return errorResponse(req.ID, registry.CodeNodeNotFound, fmt.Sprintf("Node %q is not registered", input.Node), false)
	}

	out := DescribeNodeOutput{Node: n.Snapshot(), Groups: []string{}, Rules: []RuleInfo{}}
	for _, name := range d.ctrl.Registry().Groups() {
		if g, ok := d.ctrl.Registry().LookupGroup(name); ok && g.Has(n.UUID) {
			out.Groups = append(out.Groups, name)
		}
	}
	for _, r := range d.ctrl.Rules().Rules(n.UUID) {
		out.Rules = append(out.Rules, RuleInfo{ID: r.ID, Rule: r.Rule})
	}
	if d.history != nil {
		events, err := d.history.RecentNodeEvents(ctx, n.UUID, historyLimit)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - node history for %s: %v", logPrefix, n.UUID, err))
		} else {
			out.Events = events
		}
	}
	return &Response{ID: req.ID, Ok: true, Result: out}
}

func (d *Dispatcher) handleRuleHistory(ctx context.Context, req *Request) *Response {
	var input RuleHistoryParams
	if err := decodeParams(req, &input); err != nil || input.Node == "" {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "ruleHistory requires a node and a rule id", false)
	}
	if d.history == nil {
		return errorResponse(req.ID, "UNAVAILABLE", "Journal is not enabled", false)
	}
	// Departed nodes keep their history, so an unknown reference is used as the UUID.
	uuid := input.Node
	if n := d.ctrl.Registry().Lookup(input.Node); n != nil {
		uuid = n.UUID
	}
	hist, err := d.history.RuleHistory(ctx, uuid, input.RuleID)
	if err != nil {
		return errorToResponse(req.ID, err)
	}
	if hist == nil {
		hist = []db.RuleEvent{}
	}
	return &Response{ID: req.ID, Ok: true, Result: hist}
}

func (d *Dispatcher) handleListGroups(req *Request) *Response {
	reg := d.ctrl.Registry()
	out := make([]GroupOutput, 0)
	for _, name := range reg.Groups() {
		g, ok := reg.LookupGroup(name)
		if !ok {
			continue
		}
		members := g.Nodes()
		ids := make([]string, 0, len(members))
		for _, n := range members {
			ids = append(ids, n.UUID)
		}
		out = append(out, GroupOutput{Name: name, Nodes: ids})
	}
	return &Response{ID: req.ID, Ok: true, Result: out}
}

func (d *Dispatcher) handleJoinGroup(req *Request) *Response {
	var input GroupMemberParams
	if err := decodeParams(req, &input); err != nil || input.Group == "" || input.Node == "" {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "joinGroup requires group and node", false)
	}
	n := d.ctrl.Registry().Lookup(input.Node)
	if n == nil {
		return errorResponse(req.ID, registry.CodeNodeNotFound, fmt.Sprintf("Node %q is not registered", input.Node), false)
	}
	if err := d.ctrl.Registry().Group(input.Group).Add(n.UUID); err != nil {
		return errorToResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: GroupOutput{Name: input.Group, Nodes: memberIDs(d.ctrl.Registry(), input.Group)}}
}

func (d *Dispatcher) handleLeaveGroup(req *Request) *Response {
	var input GroupMemberParams
	if err := decodeParams(req, &input); err != nil || input.Group == "" || input.Node == "" {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "leaveGroup requires group and node", false)
	}
	g, ok := d.ctrl.Registry().LookupGroup(input.Group)
	if !ok {
		return errorResponse(req.ID, registry.CodeGroupNotFound, fmt.Sprintf("Group %q does not exist", input.Group), false)
	}
	uuid := input.Node
	if n := d.ctrl.Registry().Lookup(input.Node); n != nil {
		uuid = n.UUID
	}
	if !g.Remove(uuid) {
		return errorResponse(req.ID, registry.CodeNodeNotFound, fmt.Sprintf("Node %q is not in group %q", input.Node, input.Group), false)
	}
	return &Response{ID: req.ID, Ok: true, Result: GroupOutput{Name: input.Group, Nodes: memberIDs(d.ctrl.Registry(), input.Group)}}
}

func (d *Dispatcher) handleInvoke(ctx context.Context, req *Request) *Response {
	var input InvokeParams
	if err := decodeParams(req, &input); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "Failed to parse invoke params", false)
	}

	cc := controller.NewCallContext().WithCall(input.Capability, input.Function, input.Args...)
	switch {
	case input.Group != "":
		cc = cc.WithGroup(input.Group)
	case len(input.Nodes) == 1:
		cc = cc.WithNode(input.Nodes[0])
	case len(input.Nodes) > 1:
		cc = cc.WithNodes(input.Nodes...)
	}
	if input.Kwargs != nil {
		cc = cc.WithKwargs(input.Kwargs)
	}
	if input.Iface != "" {
		cc = cc.WithIface(input.Iface)
	}
	if input.Blocking != nil {
		cc = cc.WithBlocking(*input.Blocking)
	}
	if input.DelayMs != 0 {
		cc = cc.WithDelay(time.Duration(input.DelayMs) * time.Millisecond)
	}
	if input.ExecTime != "" {
		at, err := time.Parse(time.RFC3339Nano, input.ExecTime)
		if err != nil {
			return errorResponse(req.ID, "INVALID_ARGUMENT", fmt.Sprintf("execTime %q is not RFC 3339", input.ExecTime), false)
		}
		cc = cc.WithExecTime(at)
	}
	if input.TimeoutMs > 0 {
		cc = cc.WithTimeout(time.Duration(input.TimeoutMs) * time.Millisecond)
	}

	res, err := d.ctrl.Invoke(ctx, cc)
	if err != nil {
		return errorToResponse(req.ID, err)
	}
	// The request context bounds blocking calls; the entry is not needed
	// once the reply is sent.
	if res.TimedOut {
		d.ctrl.Discard(res.CallID)
	}
	return &Response{ID: req.ID, Ok: true, Result: InvokeOutput{
		CallID:   res.CallID,
		TimedOut: res.TimedOut,
		Value:    res.Value,
		Values:   res.Values,
	}}
}

// --- helpers ---

func decodeParams(req *Request, v interface{}) error {
	if len(req.Params) == 0 {
		return nil
	}
	return json.Unmarshal(req.Params, v)
}

func memberIDs(reg *registry.Registry, group string) []string {
	g, ok := reg.LookupGroup(group)
	if !ok {
		return nil
	}
	var ids []string
	for _, n := range g.Nodes() {
		ids = append(ids, n.UUID)
	}
	return ids
}

func errorResponse(id, code, message string, retryable bool) *Response {
	return &Response{
		ID: id,
		Ok: false,
		Error: &ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}

func errorToResponse(id string, err error) *Response {
	var ctrlErr *controller.Error
	var regErr *registry.RegistryError
	var remoteErr *correlator.RemoteError
	switch {
	case errors.As(err, &ctrlErr):
		return &Response{ID: id, Error: &ErrorDetail{
			Code:      ctrlErr.Code,
			Message:   ctrlErr.Message,
			Details:   ctrlErr.Details,
			Retryable: ctrlErr.Code == controller.CodeUnknownDestination,
		}}
	case errors.As(err, &regErr):
		return &Response{ID: id, Error: &ErrorDetail{Code: regErr.Code, Message: regErr.Message, Details: regErr.Details}}
	case errors.As(err, &remoteErr):
		return &Response{ID: id, Error: &ErrorDetail{
			Code:    remoteErr.Code,
			Message: remoteErr.Message,
			Details: map[string]string{"node": remoteErr.Node, "callId": remoteErr.CallID, "function": remoteErr.Function},
		}}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errorResponse(id, "TIMEOUT", err.Error(), true)
	}
	return errorResponse(id, "INTERNAL_ERROR", err.Error(), true)
}
