// Package protocol defines the wire envelope, message catalog, and codec
// shared by the tunnel and workstation runtimes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the protocol version this build speaks. VersionCompatible
// compares a peer version's major component against it; the auth and
// workstation.register handshakes carry no peer version and do not call
// it. Unknown optional fields are simply ignored by encoding/json's
// default decode behavior.
const Version = "1.10"

// ErrUnknownType names an envelope type tag with no registered payload
// shape. Decode does not return it; KnownType reports catalog membership.
var ErrUnknownType = errors.New("protocol: unknown message type")

// Envelope is the self-describing record every message on the wire is
// shaped as. Payload is left as raw JSON until the caller knows which
// concrete payload type to decode into.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Sequence  *int64          `json:"sequence,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Encode marshals typ/id/sessionID/payload into a wire-ready Envelope frame.
func Encode(typ string, id string, sessionID string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal payload for %s: %w", typ, err)
		}
		raw = b
	}
	env := Envelope{Type: typ, ID: id, SessionID: sessionID, Payload: raw}
	return json.Marshal(env)
}

// EncodeSeq is Encode with a sequence number attached, for messages that
// belong to a per-session ordered stream.
func EncodeSeq(typ string, id string, sessionID string, sequence int64, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal payload for %s: %w", typ, err)
		}
		raw = b
	}
	env := Envelope{Type: typ, ID: id, SessionID: sessionID, Payload: raw, Sequence: &sequence}
	return json.Marshal(env)
}

// Decode parses a raw frame into an Envelope. The codec never blocks on a
// malformed frame; the tunnel and workstation callers drop a frame that
// fails to decode without replying and without closing the connection.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("protocol: missing type")
	}
	return env, nil
}

// DecodePayload unmarshals the envelope's payload into dst. It does not
// check the envelope type against the catalog; an absent payload leaves
// dst unchanged.
func (e Envelope) DecodePayload(dst any) error {
	if e.Payload == nil {
		return nil
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("protocol: decode payload for %s: %w", e.Type, err)
	}
	return nil
}
