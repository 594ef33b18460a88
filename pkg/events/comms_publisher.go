package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/fleet-controller/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// Header names set on every published event.
const (
	HeaderChange = "Fleet-Node-Change"
	HeaderNode   = "Fleet-Node-UUID"
)

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// Subject overrides the base node event subject (NODE_EVENT_SUBJECT).
	Subject string
}

// CommsPublisher publishes node lifecycle events as JSON on COMMS.
type CommsPublisher struct {
	nc      *comms.Conn
	subject string
}

func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	p := &CommsPublisher{nc: nc, subject: commsutil.SubjectNodeChanged}
	if opts != nil && opts.Subject != "" {
		p.subject = opts.Subject
	}
	return p
}

// PublishNodeChanged publishes the event on <base>.<change>.<uuid> for
// targeted subscribers and on <base> for everyone else.
func (p *CommsPublisher) PublishNodeChanged(_ context.Context, event *NodeChangedEvent) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	header := comms.Header{}
	header.Set(HeaderChange, event.Change)
	header.Set(HeaderNode, event.NodeUUID)

	for _, subject := range []string{commsutil.BuildNodeChangeSubject(p.subject, event.Change, event.NodeUUID), p.subject} {
		if err := p.nc.PublishMsg(&comms.Msg{Subject: subject, Header: header, Data: data}); err != nil {
			return fmt.Errorf("%s - publish %s: %w", commsPublisherLogPrefix, subject, err)
		}
	}

	slog.Debug(fmt.Sprintf("%s - Published %s event for node %s", commsPublisherLogPrefix, event.Change, event.NodeUUID))
	return nil
}
