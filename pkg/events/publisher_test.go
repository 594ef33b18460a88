package events

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

const publisherTestPrefix = "events:publisher_test"

type recorder struct {
	name string
	log  *[]string
	err  error
}

func (r recorder) PublishNodeChanged(_ context.Context, ev *NodeChangedEvent) error {
	*r.log = append(*r.log, r.name+":"+ev.NodeUUID)
	return r.err
}

func TestPublisherFunc(t *testing.T) {
	var captured *NodeChangedEvent
	pub := PublisherFunc(func(_ context.Context, ev *NodeChangedEvent) error {
		captured = ev
		return nil
	})
	ev := &NodeChangedEvent{NodeUUID: "agent-1", Change: ChangeLeft, Reason: "heartbeat-timeout"}
	if err := pub.PublishNodeChanged(context.Background(), ev); err != nil {
		t.Fatalf("%s - unexpected error: %v", publisherTestPrefix, err)
	}
	if captured != ev {
		t.Errorf("%s - function did not receive the event", publisherTestPrefix)
	}
}

func TestFanout(t *testing.T) {
	boom := errors.New("boom")
	ev := &NodeChangedEvent{NodeUUID: "agent-1", Change: ChangeJoined}

	tests := []struct {
		name    string
		pubs    func(log *[]string) []EventPublisher
		wantLog []string
		wantErr error
	}{
		{
			name:    "none",
			pubs:    func(*[]string) []EventPublisher { return nil },
			wantLog: nil,
		},
		{
			name: "nil entries skipped",
			pubs: func(log *[]string) []EventPublisher {
				return []EventPublisher{nil, recorder{name: "a", log: log}, nil}
			},
			wantLog: []string{"a:agent-1"},
		},
		{
			name: "all in order",
			pubs: func(log *[]string) []EventPublisher {
				return []EventPublisher{recorder{name: "a", log: log}, recorder{name: "b", log: log}}
			},
			wantLog: []string{"a:agent-1", "b:agent-1"},
		},
		{
			name: "error does not stop later publishers",
			pubs: func(log *[]string) []EventPublisher {
				return []EventPublisher{recorder{name: "a", log: log, err: boom}, recorder{name: "b", log: log}}
			},
			wantLog: []string{"a:agent-1", "b:agent-1"},
			wantErr: boom,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var log []string
			err := Fanout(tt.pubs(&log)...).PublishNodeChanged(context.Background(), ev)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("%s - unexpected error: %v", publisherTestPrefix, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("%s - err = %v, want %v", publisherTestPrefix, err, tt.wantErr)
			}
			if !reflect.DeepEqual(log, tt.wantLog) {
				t.Errorf("%s - log = %v, want %v", publisherTestPrefix, log, tt.wantLog)
			}
		})
	}
}
