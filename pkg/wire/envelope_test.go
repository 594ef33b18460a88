package wire

import (
	"bytes"
	"reflect"
	"testing"
)

const envelopeTestPrefix = "wire:envelope_test"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	opaque, err := NewOpaque("agent-1", Descriptor{
		Type:     "radio",
		Function: "set_channel",
		CallID:   "42",
		Iface:    "wlan0",
		ExecTime: "2026-10-17T10:00:00Z",
	}, CallArgs{Args: []any{int64(11)}, Kwargs: map[string]any{"band": "2.4GHz"}})
	if err != nil {
		t.Fatalf("%s - NewOpaque: %v", envelopeTestPrefix, err)
	}

	tests := []struct {
		name string
		env  *Envelope
	}{
		{name: "opaque ok", env: opaque},
		{
			name: "opaque exception",
			env: func() *Envelope {
				e, err := NewOpaque(TopicResponse, Descriptor{
					Type: "net", Function: "start_server", CallID: "7", Source: "agent-2", Status: StatusException,
				}, "boom")
				if err != nil {
					t.Fatalf("%s - NewOpaque: %v", envelopeTestPrefix, err)
				}
				return e
			}(),
		},
		{
			name: "schema ok",
			env: NewSchema("agent-3", Descriptor{Type: TypeNewNodeAck, Function: TypeNewNodeAck},
				&NewNodeAck{Status: true, ControllerUUID: "ctrl", AgentUUID: "agent-3", Topics: []string{TopicAll}}),
		},
		{
			name: "schema exception without payload",
			env:  &Envelope{Topic: "agent-4", Desc: Descriptor{Type: "mgmt", CallID: "9", Status: StatusException}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts, err := Encode(tt.env)
			if err != nil {
				t.Fatalf("%s - Encode: %v", envelopeTestPrefix, err)
			}
			got, err := Decode(parts[:])
			if err != nil {
				t.Fatalf("%s - Decode: %v", envelopeTestPrefix, err)
			}
			if got.Topic != tt.env.Topic {
				t.Errorf("%s - Topic = %q, want %q", envelopeTestPrefix, got.Topic, tt.env.Topic)
			}
			if got.Desc != tt.env.Desc {
				t.Errorf("%s - Desc = %+v, want %+v", envelopeTestPrefix, got.Desc, tt.env.Desc)
			}
			if !bytes.Equal(got.Payload, tt.env.Payload) {
				t.Errorf("%s - Payload differs after round trip", envelopeTestPrefix)
			}
		})
	}
}

func TestEncodeDeterministic(t *testing.T) {
	args := CallArgs{Args: []any{"a", int64(1)}, Kwargs: map[string]any{"z": 1, "a": 2, "m": 3}}
	e1, err := NewOpaque("n", Descriptor{Type: "radio", Function: "f", CallID: "1"}, args)
	if err != nil {
		t.Fatalf("%s - NewOpaque: %v", envelopeTestPrefix, err)
	}
	e2, err := NewOpaque("n", Descriptor{Type: "radio", Function: "f", CallID: "1"}, args)
	if err != nil {
		t.Fatalf("%s - NewOpaque: %v", envelopeTestPrefix, err)
	}
	p1, _ := Encode(e1)
	p2, _ := Encode(e2)
	for i := range p1 {
		if !bytes.Equal(p1[i], p2[i]) {
			t.Errorf("%s - part %d not deterministic", envelopeTestPrefix, i)
		}
	}
}

func TestDecode_FramingErrors(t *testing.T) {
	goodDesc := MarshalDescriptor(Descriptor{Type: "radio", Encoding: EncodingOpaque})
	tests := []struct {
		name  string
		parts [][]byte
	}{
		{name: "too few parts", parts: [][]byte{[]byte("a"), goodDesc}},
		{name: "too many parts", parts: [][]byte{[]byte("a"), goodDesc, nil, nil}},
		{name: "empty descriptor", parts: [][]byte{[]byte("a"), nil, nil}},
		{name: "garbage descriptor", parts: [][]byte{[]byte("a"), {0xff, 0xff, 0xff}, nil}},
		{name: "bad opaque payload", parts: [][]byte{[]byte("a"), goodDesc, {0x9f}}},
		{
			name:  "bad schema payload",
			parts: [][]byte{[]byte("a"), MarshalDescriptor(Descriptor{Type: "x", Encoding: EncodingSchema}), {0x0a, 0x05, 'a'}},
		},
		{
			name:  "unknown encoding tag",
			parts: [][]byte{[]byte("a"), MarshalDescriptor(Descriptor{Type: "x", Encoding: Encoding(7)}), {0x01}},
		},
		{
			name:  "unknown encoding tag without payload",
			parts: [][]byte{[]byte("a"), MarshalDescriptor(Descriptor{Type: "x", Encoding: Encoding(7)}), nil},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.parts)
			if err == nil {
				t.Fatalf("%s - expected framing error", envelopeTestPrefix)
			}
			if !IsFramingError(err) {
				t.Errorf("%s - expected *FramingError, got %T", envelopeTestPrefix, err)
			}
		})
	}
}

func TestFrameUnframe(t *testing.T) {
	parts := Parts{[]byte("agent-1"), MarshalDescriptor(Descriptor{Type: "radio"}), nil}
	got, err := Unframe(Frame(parts))
	if err != nil {
		t.Fatalf("%s - Unframe: %v", envelopeTestPrefix, err)
	}
	if len(got) != 3 {
		t.Fatalf("%s - got %d parts, want 3", envelopeTestPrefix, len(got))
	}
	for i := range parts {
		if !bytes.Equal(got[i], parts[i]) {
			t.Errorf("%s - part %d = %q, want %q", envelopeTestPrefix, i, got[i], parts[i])
		}
	}

	if _, err := Unframe([]byte{0x12, 0x01}); !IsFramingError(err) {
		t.Errorf("%s - expected framing error for bad frame, got %v", envelopeTestPrefix, err)
	}
}

func TestValue(t *testing.T) {
	env, err := NewOpaque("n", Descriptor{Type: "radio"}, map[string]any{"rssi": -40})
	if err != nil {
		t.Fatalf("%s - NewOpaque: %v", envelopeTestPrefix, err)
	}
	v, err := env.Value()
	if err != nil {
		t.Fatalf("%s - Value: %v", envelopeTestPrefix, err)
	}
	want := map[string]any{"rssi": int64(-40)}
	if !reflect.DeepEqual(v, want) {
		t.Errorf("%s - Value = %#v, want %#v", envelopeTestPrefix, v, want)
	}

	schema := NewSchema("n", Descriptor{Type: TypeHello}, &HelloMsg{UUID: "x", Timeout: 9})
	raw, err := schema.Value()
	if err != nil {
		t.Fatalf("%s - Value: %v", envelopeTestPrefix, err)
	}
	if !bytes.Equal(raw.([]byte), schema.Payload) {
		t.Errorf("%s - schema Value should be the raw payload", envelopeTestPrefix)
	}
	if err := schema.DecodeOpaque(new(any)); err == nil {
		t.Errorf("%s - DecodeOpaque on schema payload should fail", envelopeTestPrefix)
	}
}

func TestSender(t *testing.T) {
	e := &Envelope{Topic: TopicResponse, Desc: Descriptor{Source: "agent-9"}}
	if got := e.Sender(); got != "agent-9" {
		t.Errorf("%s - Sender = %q, want agent-9", envelopeTestPrefix, got)
	}
	e.Desc.Source = ""
	if got := e.Sender(); got != TopicResponse {
		t.Errorf("%s - Sender = %q, want %q", envelopeTestPrefix, got, TopicResponse)
	}
}
