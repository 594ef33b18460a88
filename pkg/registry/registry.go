// Package registry tracks the nodes connected to the controller, their
// liveness, and the named groups they belong to.
package registry

import (
	"sync"
	"time"

	"github.com/morezero/fleet-controller/pkg/bootstrap"
	"github.com/morezero/fleet-controller/pkg/metrics"
	"github.com/morezero/fleet-controller/pkg/wire"
)

const (
	logPrefix = "registry:registry"

	defaultHeartbeatInterval = 3 * time.Second
	defaultLivenessTick      = time.Second
	defaultAckDelay          = time.Second
)

// Config holds registry configuration.
type Config struct {
	ControllerUUID string
	// HeartbeatInterval is the interval agents are expected to heartbeat at.
	// A node is evicted after three intervals of silence.
	HeartbeatInterval time.Duration
	LivenessTick      time.Duration
	// AckDelay is the settle delay before a discovery ack is sent. Zero or
	// negative sends the ack inline.
	AckDelay time.Duration
	// AgentVersionConstraint rejects incompatible agents. Empty accepts all.
	AgentVersionConstraint string
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: defaultHeartbeatInterval,
		LivenessTick:      defaultLivenessTick,
		AckDelay:          defaultAckDelay,
	}
}

// Transport is the part of the transport channel the registry needs.
type Transport interface {
	SubscribeTo(topic string) error
	SendEnvelope(env *wire.Envelope) error
	Connected() bool
}

// Registry holds the node table and groups. It is safe for concurrent use.
type Registry struct {
	transport Transport
	catalog   *bootstrap.Catalog
	metrics   *metrics.Metrics
	config    Config

	mu     sync.RWMutex
	nodes  map[string]*Node
	groups map[string]*Group

	obsMu    sync.RWMutex
	onNew    []func(*Node)
	onExit   []func(*Node, string)
	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   sync.Once
}

// NewRegistryParams holds parameters for NewRegistry.
type NewRegistryParams struct {
	Transport Transport
	// Catalog supplies static group memberships. Optional.
	Catalog *bootstrap.Catalog
	Metrics *metrics.Metrics
	Config  Config
}

// NewRegistry creates a new Registry instance.
func NewRegistry(params NewRegistryParams) *Registry {
	cfg := params.Config
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.LivenessTick <= 0 {
		cfg.LivenessTick = defaultLivenessTick
	}

	return &Registry{
		transport: params.Transport,
		catalog:   params.Catalog,
		metrics:   params.Metrics,
		config:    cfg,
		nodes:     make(map[string]*Node),
		groups:    make(map[string]*Group),
		shutdown:  make(chan struct{}),
	}
}

// HeartbeatTimeout is the silence after which a node is evicted.
func (r *Registry) HeartbeatTimeout() time.Duration {
	return 3 * r.config.HeartbeatInterval
}

// livenessTicks is the countdown start value.
func (r *Registry) livenessTicks() int64 {
	t := int64((r.HeartbeatTimeout() + r.config.LivenessTick - 1) / r.config.LivenessTick)
	if t < 1 {
		t = 1
	}
	return t
}

// OnNewNode registers an observer fired once per discovered node.
func (r *Registry) OnNewNode(fn func(*Node)) {
	r.obsMu.Lock()
	r.onNew = append(r.onNew, fn)
	r.obsMu.Unlock()
}

// OnNodeExit registers an observer fired once per removed node.
func (r *Registry) OnNodeExit(fn func(*Node, string)) {
	r.obsMu.Lock()
	r.onExit = append(r.onExit, fn)
	r.obsMu.Unlock()
}

// Close stops every liveness countdown and waits for them to finish.
// Nodes stay in the table; no exit observers fire.
func (r *Registry) Close() {
	r.closed.Do(func() { close(r.shutdown) })
	r.wg.Wait()
}
