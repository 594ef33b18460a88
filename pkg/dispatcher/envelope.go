// Package dispatcher serves the controller's JSON management API over COMMS
// request/reply.
package dispatcher

import "encoding/json"

// Request is the JSON envelope of a management request.
type Request struct {
	ID     string             `json:"id"`
	Method string             `json:"method"`
	Params json.RawMessage    `json:"params,omitempty"`
	Ctx    *InvocationContext `json:"ctx,omitempty"`
}

// Response is the JSON envelope of a management response.
type Response struct {
	ID     string       `json:"id"`
	Ok     bool         `json:"ok"`
	Result interface{}  `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Retryable bool        `json:"retryable"`
}

// InvocationContext holds context from the caller.
type InvocationContext struct {
	RequestID     string `json:"requestId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	TimeoutMs     int    `json:"timeoutMs,omitempty"`
}

// NodeParams selects one node by UUID or IP address.
type NodeParams struct {
	Node string `json:"node"`
}

// RuleHistoryParams selects one rule of a node.
type RuleHistoryParams struct {
	Node   string `json:"node"`
	RuleID int64  `json:"ruleId"`
}

// ListNodesParams optionally restricts listNodes to a group.
type ListNodesParams struct {
	Group string `json:"group,omitempty"`
}

// GroupMemberParams names a group and a node.
type GroupMemberParams struct {
	Group string `json:"group"`
	Node  string `json:"node"`
}

// InvokeParams describes a capability call. Exactly one of Nodes or Group
// selects the destination. Blocking defaults to true.
type InvokeParams struct {
	Nodes      []string       `json:"nodes,omitempty"`
	Group      string         `json:"group,omitempty"`
	Capability string         `json:"capability"`
	Function   string         `json:"function"`
	Args       []any          `json:"args,omitempty"`
	Kwargs     map[string]any `json:"kwargs,omitempty"`
	Iface      string         `json:"iface,omitempty"`
	Blocking   *bool          `json:"blocking,omitempty"`
	DelayMs    int            `json:"delayMs,omitempty"`
	ExecTime   string         `json:"execTime,omitempty"`
	TimeoutMs  int            `json:"timeoutMs,omitempty"`
}

// GroupOutput lists the members of a group.
type GroupOutput struct {
	Name  string   `json:"name"`
	Nodes []string `json:"nodes"`
}

// DescribeNodeOutput is a node with its group memberships and installed rules.
type DescribeNodeOutput struct {
	Node   interface{} `json:"node"`
	Groups []string    `json:"groups"`
	Rules  []RuleInfo  `json:"rules"`
	Events interface{} `json:"events,omitempty"`
}

// RuleInfo is the JSON view of an installed rule.
type RuleInfo struct {
	ID   int64       `json:"id"`
	Rule interface{} `json:"rule"`
}

// InvokeOutput is the outcome of an invoke request.
type InvokeOutput struct {
	CallID   string         `json:"callId"`
	TimedOut bool           `json:"timedOut,omitempty"`
	Value    any            `json:"value,omitempty"`
	Values   map[string]any `json:"values,omitempty"`
}
