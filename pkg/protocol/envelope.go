package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Envelope is one push frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals payload under the given event name.
func EncodeFrame(event string, payload any) ([]byte, error) {
	if event == "" {
		return nil, errors.New("protocol: empty event name")
	}
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "protocol: marshal %s payload", event)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// DecodeFrame parses a push frame. Frames without an event name are rejected.
func DecodeFrame(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "protocol: decode frame")
	}
	if env.Event == "" {
		return Envelope{}, errors.New("protocol: frame without event")
	}
	return env, nil
}

// DecodeData unmarshals an event payload into T.
func DecodeData[T any](data json.RawMessage) (T, error) {
	var out T
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, errors.Wrap(err, "protocol: decode payload")
	}
	return out, nil
}
