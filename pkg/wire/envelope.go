// Package wire implements the three-part message envelope exchanged between the
// controller and its agents, and the two payload encodings it carries.
//
// Part 0 is the destination topic, part 1 a protobuf-wire descriptor and part 2
// the payload. The descriptor's encoding tag says whether the payload is a
// schema (protobuf wire) message or an opaque CBOR value.
package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/encoding/protowire"
)

const logPrefix = "wire:envelope"

// Reserved topics every controller listens on.
const (
	TopicNewNode  = "NEW_NODE"
	TopicNodeExit = "NODE_EXIT"
	TopicResponse = "RESPONSE"
	// TopicAll is handed to agents in the discovery acknowledgement.
	TopicAll = "ALL"
)

// Descriptor types used by the discovery, heartbeat and rule protocols.
// Any other type is a capability name (radio, net, mgmt, ...).
const (
	TypeNewNode    = "NewNodeMsg"
	TypeNewNodeAck = "NewNodeAck"
	TypeHello      = "HelloMsg"
	TypeNodeExit   = "NodeExitMsg"
	TypeRuleEvent  = "RuleEvent"
)

// Encoding tags the payload part.
type Encoding int32

const (
	EncodingSchema Encoding = 0
	EncodingOpaque Encoding = 1
)

func (e Encoding) String() string {
	switch e {
	case EncodingSchema:
		return "SCHEMA"
	case EncodingOpaque:
		return "OPAQUE"
	default:
		return fmt.Sprintf("Encoding(%d)", int32(e))
	}
}

// Status signals whether a response carries a result or a remote exception.
type Status int32

const (
	StatusOK        Status = 0
	StatusException Status = 1
)

func (s Status) String() string {
	if s == StatusException {
		return "EXCEPTION"
	}
	return "OK"
}

// Descriptor is the structured second part of every envelope.
type Descriptor struct {
	Type     string
	Function string
	CallID   string
	Iface    string
	// ExecTime is an RFC 3339 timestamp; empty means execute on receipt.
	ExecTime string
	// Source is the UUID of the sender, set by agents on replies.
	Source   string
	Encoding Encoding
	Status   Status
}

// descriptor field numbers
const (
	fieldType     protowire.Number = 1
	fieldFunction protowire.Number = 2
	fieldCallID   protowire.Number = 3
	fieldIface    protowire.Number = 4
	fieldExecTime protowire.Number = 5
	fieldEncoding protowire.Number = 6
	fieldStatus   protowire.Number = 7
	fieldSource   protowire.Number = 8
)

// Envelope is a decoded three-part message.
type Envelope struct {
	Topic   string
	Desc    Descriptor
	Payload []byte
}

// Parts is the encoded form of an Envelope.
type Parts [3][]byte

// FramingError reports a malformed wire message. Messages that fail framing are
// dropped by the receiver.
type FramingError struct {
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return "FRAMING_ERROR: " + e.Reason + ": " + e.Err.Error()
	}
	return "FRAMING_ERROR: " + e.Reason
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// IsFramingError reports whether err is, or wraps, a *FramingError.
func IsFramingError(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe)
}

// Encode serializes env into its three parts.
func Encode(env *Envelope) (Parts, error) {
	if env == nil {
		return Parts{}, fmt.Errorf("%s - nil envelope", logPrefix)
	}
	if env.Desc.Encoding != EncodingSchema && env.Desc.Encoding != EncodingOpaque {
		return Parts{}, fmt.Errorf("%s - unknown payload encoding %d", logPrefix, env.Desc.Encoding)
	}
	return Parts{[]byte(env.Topic), MarshalDescriptor(env.Desc), env.Payload}, nil
}

// Decode parses a received multipart message. Any structural problem is
// returned as a *FramingError.
func Decode(parts [][]byte) (*Envelope, error) {
	if len(parts) != 3 {
		return nil, &FramingError{Reason: fmt.Sprintf("expected 3 parts, got %d", len(parts))}
	}
	desc, err := UnmarshalDescriptor(parts[1])
	if err != nil {
		return nil, &FramingError{Reason: "malformed descriptor", Err: err}
	}

	if desc.Encoding != EncodingSchema && desc.Encoding != EncodingOpaque {
		return nil, &FramingError{Reason: fmt.Sprintf("unknown payload encoding %d", desc.Encoding)}
	}

	payload := parts[2]
	if len(payload) > 0 {
		switch desc.Encoding {
		case EncodingSchema:
			if err := checkWire(payload); err != nil {
				return nil, &FramingError{Reason: "malformed schema payload", Err: err}
			}
		case EncodingOpaque:
			if err := cbor.Wellformed(payload); err != nil {
				return nil, &FramingError{Reason: "malformed opaque payload", Err: err}
			}
		}
	}

	return &Envelope{Topic: string(parts[0]), Desc: desc, Payload: payload}, nil
}

// MarshalDescriptor encodes d in protobuf wire format. Zero-valued strings are
// omitted; the encoding and status tags are always written.
func MarshalDescriptor(d Descriptor) []byte {
	var b []byte
	b = appendString(b, fieldType, d.Type)
	b = appendString(b, fieldFunction, d.Function)
	b = appendString(b, fieldCallID, d.CallID)
	b = appendString(b, fieldIface, d.Iface)
	b = appendString(b, fieldExecTime, d.ExecTime)
	b = protowire.AppendTag(b, fieldEncoding, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(d.Encoding))
	b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(d.Status))
	b = appendString(b, fieldSource, d.Source)
	return b
}

// UnmarshalDescriptor decodes a descriptor. Unknown fields are skipped.
func UnmarshalDescriptor(b []byte) (Descriptor, error) {
	var d Descriptor
	if len(b) == 0 {
		return d, errors.New("empty descriptor")
	}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case fieldType:
			return consumeString(typ, v, &d.Type)
		case fieldFunction:
			return consumeString(typ, v, &d.Function)
		case fieldCallID:
			return consumeString(typ, v, &d.CallID)
		case fieldIface:
			return consumeString(typ, v, &d.Iface)
		case fieldExecTime:
			return consumeString(typ, v, &d.ExecTime)
		case fieldSource:
			return consumeString(typ, v, &d.Source)
		case fieldEncoding:
			var x uint64
			n, err := consumeVarint(typ, v, &x)
			d.Encoding = Encoding(x)
			return n, err
		case fieldStatus:
			var x uint64
			n, err := consumeVarint(typ, v, &x)
			d.Status = Status(x)
			return n, err
		}
		return -1, nil
	})
	if err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Sender returns the UUID of the node that sent env: the descriptor source if
// present, otherwise the topic the message arrived on.
func (e *Envelope) Sender() string {
	if e.Desc.Source != "" {
		return e.Desc.Source
	}
	return e.Topic
}

// Frame packs multipart data into a single transport message body.
func Frame(parts Parts) []byte {
	var b []byte
	for _, p := range parts {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, p)
	}
	return b
}

// Unframe splits a transport message body back into its parts.
func Unframe(data []byte) ([][]byte, error) {
	var parts [][]byte
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num != 1 || typ != protowire.BytesType {
			return 0, fmt.Errorf("unexpected frame field %d", num)
		}
		p, n := protowire.ConsumeBytes(v)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		parts = append(parts, append([]byte(nil), p...))
		return n, nil
	})
	if err != nil {
		return nil, &FramingError{Reason: "malformed frame", Err: err}
	}
	return parts, nil
}
