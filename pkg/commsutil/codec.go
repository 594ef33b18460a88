package commsutil

import (
	"encoding/json"
	"fmt"

	comms "github.com/nats-io/nats.go"
)

const codecLogPrefix = "commsutil:codec"

// EncodePayload marshals v for the JSON side of COMMS traffic: the
// management API and node lifecycle events. Agent traffic uses pkg/wire.
func EncodePayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s - encode %T: %w", codecLogPrefix, v, err)
	}
	return data, nil
}

// DecodePayload unmarshals data into v.
func DecodePayload(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%s - decode %T: empty payload", codecLogPrefix, v)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s - decode %T: %w", codecLogPrefix, v, err)
	}
	return nil
}

// Decode is DecodePayload returning a fresh T.
func Decode[T any](data []byte) (T, error) {
	var out T
	err := DecodePayload(data, &out)
	return out, err
}

// Reply encodes v and responds to msg. msg must carry a reply subject.
func Reply(msg *comms.Msg, v any) error {
	data, err := EncodePayload(v)
	if err != nil {
		return err
	}
	if err := msg.Respond(data); err != nil {
		return fmt.Errorf("%s - respond on %s: %w", codecLogPrefix, msg.Subject, err)
	}
	return nil
}
