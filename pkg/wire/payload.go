package wire

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

const payloadLogPrefix = "wire:payload"

// Opaque payloads use CBOR Core Deterministic Encoding, so the same value always
// produces the same bytes. Integers decoded into interface values come back as
// int64 and maps as map[string]any.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// CallArgs is the opaque payload of an outbound command.
type CallArgs struct {
	Args   []any          `cbor:"args"`
	Kwargs map[string]any `cbor:"kwargs,omitempty"`
}

// RuleEvent is the opaque payload an agent sends when a rule fires.
type RuleEvent struct {
	RuleID int64 `cbor:"rule_id"`
	Value  any   `cbor:"value"`
}

// MarshalOpaque encodes v with the opaque encoding.
func MarshalOpaque(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s - opaque encode: %w", payloadLogPrefix, err)
	}
	return b, nil
}

// UnmarshalOpaque decodes opaque bytes into v.
func UnmarshalOpaque(b []byte, v any) error {
	if err := decMode.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s - opaque decode: %w", payloadLogPrefix, err)
	}
	return nil
}

// NewOpaque builds an envelope whose payload is v in the opaque encoding.
func NewOpaque(topic string, desc Descriptor, v any) (*Envelope, error) {
	b, err := MarshalOpaque(v)
	if err != nil {
		return nil, err
	}
	desc.Encoding = EncodingOpaque
	return &Envelope{Topic: topic, Desc: desc, Payload: b}, nil
}

// NewSchema builds an envelope whose payload is the schema message m.
func NewSchema(topic string, desc Descriptor, m Message) *Envelope {
	desc.Encoding = EncodingSchema
	return &Envelope{Topic: topic, Desc: desc, Payload: m.MarshalWire()}
}

// DecodeOpaque decodes an opaque payload into v.
func (e *Envelope) DecodeOpaque(v any) error {
	if e.Desc.Encoding != EncodingOpaque {
		return fmt.Errorf("%s - payload is %s, not OPAQUE", payloadLogPrefix, e.Desc.Encoding)
	}
	return UnmarshalOpaque(e.Payload, v)
}

// ParseMessage decodes a schema payload into m.
func (e *Envelope) ParseMessage(m Message) error {
	if e.Desc.Encoding != EncodingSchema {
		return fmt.Errorf("%s - payload is %s, not SCHEMA", payloadLogPrefix, e.Desc.Encoding)
	}
	if err := m.UnmarshalWire(e.Payload); err != nil {
		return fmt.Errorf("%s - schema decode %s: %w", payloadLogPrefix, e.Desc.Type, err)
	}
	return nil
}

// Value returns the payload as a Go value: the decoded opaque value, or a copy
// of the raw bytes for schema payloads whose message type the caller must know.
func (e *Envelope) Value() (any, error) {
	if len(e.Payload) == 0 {
		return nil, nil
	}
	if e.Desc.Encoding == EncodingSchema {
		return append([]byte(nil), e.Payload...), nil
	}
	var v any
	if err := e.DecodeOpaque(&v); err != nil {
		return nil, err
	}
	return v, nil
}
