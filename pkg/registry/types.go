package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Removal reasons reported to exit observers.
const (
	ReasonExplicit         = "explicit"
	ReasonHeartbeatTimeout = "heartbeat-timeout"
)

// ModuleDescriptor is one module a node announced.
type ModuleDescriptor struct {
	ID         uint64   `json:"id"`
	Name       string   `json:"name"`
	Device     string   `json:"device,omitempty"`
	Attributes []string `json:"attributes,omitempty"`
	Functions  []string `json:"functions,omitempty"`
	Events     []string `json:"events,omitempty"`
	Services   []string `json:"services,omitempty"`
}

// Node is a remote agent known to the controller. Descriptive fields are set
// at discovery and never change afterwards.
type Node struct {
	UUID         string
	IP           string
	Name         string
	Info         string
	Version      string
	Modules      map[string]ModuleDescriptor
	Interfaces   map[string][]string
	DiscoveredAt time.Time

	// remaining liveness ticks; refreshed by heartbeats
	remaining atomic.Int64
	stop      chan struct{}
	removed   sync.Once
}

// Functions returns the sorted function names across all modules.
func (n *Node) Functions() []string {
	seen := make(map[string]struct{})
	for _, m := range n.Modules {
		for _, fn := range m.Functions {
			seen[fn] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for fn := range seen {
		out = append(out, fn)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a JSON-friendly copy of the node.
func (n *Node) Snapshot() NodeSnapshot {
	modules := make([]ModuleDescriptor, 0, len(n.Modules))
	for _, m := range n.Modules {
		modules = append(modules, m)
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i].ID < modules[j].ID })

	return NodeSnapshot{
		UUID:         n.UUID,
		IP:           n.IP,
		Name:         n.Name,
		Info:         n.Info,
		Version:      n.Version,
		Modules:      modules,
		Interfaces:   n.Interfaces,
		DiscoveredAt: n.DiscoveredAt.UTC().Format(time.RFC3339),
	}
}

// NodeSnapshot is the serialisable view of a Node.
type NodeSnapshot struct {
	UUID         string              `json:"uuid"`
	IP           string              `json:"ip"`
	Name         string              `json:"name"`
	Info         string              `json:"info,omitempty"`
	Version      string              `json:"version,omitempty"`
	Modules      []ModuleDescriptor  `json:"modules"`
	Interfaces   map[string][]string `json:"interfaces,omitempty"`
	DiscoveredAt string              `json:"discoveredAt"`
}

// HealthOutput holds the result of the health check.
type HealthOutput struct {
	Status    string       `json:"status"`
	Nodes     int          `json:"nodes"`
	Groups    int          `json:"groups"`
	Checks    HealthChecks `json:"checks"`
	Timestamp string       `json:"timestamp"`
}

// HealthChecks holds individual health check results.
type HealthChecks struct {
	COMMS    bool `json:"comms"`
	Database bool `json:"database,omitempty"`
}

// RegistryError is a structured error from the registry.
type RegistryError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *RegistryError) Error() string {
	return e.Code + ": " + e.Message
}

// NewRegistryError creates a new RegistryError.
func NewRegistryError(code, message string) *RegistryError {
	return &RegistryError{Code: code, Message: message}
}

const (
	CodeNodeNotFound        = "NODE_NOT_FOUND"
	CodeGroupNotFound       = "GROUP_NOT_FOUND"
	CodeIncompatibleVersion = "INCOMPATIBLE_VERSION"
	CodeMalformedMessage    = "MALFORMED_MESSAGE"
)
