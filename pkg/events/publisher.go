package events

import (
	"context"
	"errors"
)

// EventPublisher publishes node lifecycle events.
type EventPublisher interface {
	PublishNodeChanged(ctx context.Context, event *NodeChangedEvent) error
}

// PublisherFunc adapts a function to EventPublisher.
type PublisherFunc func(ctx context.Context, event *NodeChangedEvent) error

// PublishNodeChanged calls f.
func (f PublisherFunc) PublishNodeChanged(ctx context.Context, event *NodeChangedEvent) error {
	return f(ctx, event)
}

// NoOpPublisher drops every event.
type NoOpPublisher struct{}

func (NoOpPublisher) PublishNodeChanged(context.Context, *NodeChangedEvent) error { return nil }

// Fanout delivers each event to every publisher in order. A failing
// publisher does not stop the others; their errors are joined. Nil entries
// are skipped.
func Fanout(pubs ...EventPublisher) EventPublisher {
	var live []EventPublisher
	for _, p := range pubs {
		if p != nil {
			live = append(live, p)
		}
	}
	switch len(live) {
	case 0:
		return NoOpPublisher{}
	case 1:
		return live[0]
	}
	return fanout(live)
}

type fanout []EventPublisher

func (f fanout) PublishNodeChanged(ctx context.Context, event *NodeChangedEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishNodeChanged(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
