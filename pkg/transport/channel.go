// Package transport implements the controller's publish/subscribe channel on
// top of COMMS. Agents publish on uplink subjects, the controller publishes on
// downlink subjects, and every inbound message is funnelled to one handler.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/fleet-controller/pkg/commsutil"
	"github.com/morezero/fleet-controller/pkg/metrics"
	"github.com/morezero/fleet-controller/pkg/wire"
)

const (
	logPrefix          = "transport:channel"
	defaultPollTimeout = 100 * time.Millisecond
	defaultInboxSize   = 1024
)

// ErrClosed is returned by PumpOnce and Send once the channel or its
// connection can no longer be used.
var ErrClosed = errors.New("transport: channel closed")

// Options configures a Channel. Zero values use defaults.
type Options struct {
	UplinkPrefix   string
	DownlinkPrefix string
	// PollTimeout bounds how long PumpOnce waits for a message.
	PollTimeout time.Duration
	InboxSize   int
	Metrics     *metrics.Metrics
}

// Channel owns the controller's inbound subscriptions and outbound publishing.
// The COMMS connection itself is shared and is not closed by the channel.
type Channel struct {
	nc    *comms.Conn
	opts  Options
	inbox chan *comms.Msg

	mu      sync.Mutex
	subs    map[string]*comms.Subscription
	handler func(*wire.Envelope)
	closed  bool
}

// New creates a channel and subscribes to the reserved uplink topics.
func New(nc *comms.Conn, opts Options) (*Channel, error) {
	if opts.UplinkPrefix == "" {
		opts.UplinkPrefix = commsutil.DefaultUplinkPrefix
	}
	if opts.DownlinkPrefix == "" {
		opts.DownlinkPrefix = commsutil.DefaultDownlinkPrefix
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = defaultInboxSize
	}

	ch := &Channel{
		nc:    nc,
		opts:  opts,
		inbox: make(chan *comms.Msg, opts.InboxSize),
		subs:  make(map[string]*comms.Subscription),
	}
	for _, topic := range []string{wire.TopicNewNode, wire.TopicNodeExit, wire.TopicResponse} {
		if err := ch.SubscribeTo(topic); err != nil {
			ch.Close()
			return nil, err
		}
	}
	return ch, nil
}

// SubscribeTo starts listening on an additional uplink topic, typically a
// node's UUID. Subscribing twice to the same topic is a no-op.
func (c *Channel) SubscribeTo(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if _, ok := c.subs[topic]; ok {
		return nil
	}

	subject := commsutil.BuildTopicSubject(c.opts.UplinkPrefix, topic)
	sub, err := c.nc.ChanSubscribe(subject, c.inbox)
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, subject, err)
	}
	c.subs[topic] = sub
	slog.Debug(fmt.Sprintf("%s - Subscribed to %s", logPrefix, subject))
	return nil
}

// Topics returns the uplink topics currently subscribed, sorted.
func (c *Channel) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for t := range c.subs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// SetReceiveHandler installs the single handler for inbound envelopes.
func (c *Channel) SetReceiveHandler(fn func(*wire.Envelope)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// Send publishes pre-encoded parts on the downlink subject of parts[0].
func (c *Channel) Send(parts wire.Parts) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || c.nc.IsClosed() {
		return ErrClosed
	}

	subject := commsutil.BuildTopicSubject(c.opts.DownlinkPrefix, string(parts[0]))
	if err := c.nc.Publish(subject, wire.Frame(parts)); err != nil {
		return fmt.Errorf("%s - failed to publish to %s: %w", logPrefix, subject, err)
	}
	return nil
}

// SendEnvelope encodes env and publishes it.
func (c *Channel) SendEnvelope(env *wire.Envelope) error {
	parts, err := wire.Encode(env)
	if err != nil {
		return err
	}
	return c.Send(parts)
}

// PumpOnce processes at most one inbound message. It waits no longer than the
// poll timeout, and "nothing ready" is a silent nil. Malformed messages are
// logged and dropped. ErrClosed means the channel is unusable.
func (c *Channel) PumpOnce(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	handler := c.handler
	c.mu.Unlock()
	if closed || c.nc.IsClosed() {
		return ErrClosed
	}

	timer := time.NewTimer(c.opts.PollTimeout)
	defer timer.Stop()

	var msg *comms.Msg
	select {
	case msg = <-c.inbox:
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	parts, err := wire.Unframe(msg.Data)
	if err == nil {
		var env *wire.Envelope
		env, err = wire.Decode(parts)
		if err == nil {
			c.opts.Metrics.Received(env.Desc.Type)
			if handler != nil {
				handler(env)
			}
			return nil
		}
	}

	topic := commsutil.TopicFromSubject(c.opts.UplinkPrefix, msg.Subject)
	if wire.IsFramingError(err) {
		c.opts.Metrics.FramingError()
		slog.Warn(fmt.Sprintf("%s - Dropping malformed message on topic %s: %v", logPrefix, topic, err))
		return nil
	}
	slog.Error(fmt.Sprintf("%s - Dropping message on topic %s: %v", logPrefix, topic, err))
	return nil
}

// Connected reports whether the underlying connection is up.
func (c *Channel) Connected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Close unsubscribes every topic. Further calls fail with ErrClosed.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for topic, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, comms.ErrConnectionClosed) {
			slog.Warn(fmt.Sprintf("%s - Unsubscribe %s: %v", logPrefix, topic, err))
		}
	}
	c.subs = map[string]*comms.Subscription{}
}
