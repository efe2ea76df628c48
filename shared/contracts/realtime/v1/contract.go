// Package v1 defines the chatter realtime protocol v1 contract.
//
// It is shared between server and clients and has no dependencies beyond the
// standard library.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is embedded into every envelope.
const Version = "v1"

// Subprotocol must be negotiated on the WebSocket upgrade.
const Subprotocol = "chatter.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeSubscribe replaces the connection's subscription (client -> server).
	TypeSubscribe = "subscribe"
	// TypeUnsubscribe drops the current subscription (client -> server).
	TypeUnsubscribe = "unsubscribe"

	// TypeSubscribed confirms a subscription (server -> client).
	TypeSubscribed = "subscribed"
	// TypeUnsubscribed confirms an unsubscribe (server -> client).
	TypeUnsubscribed = "unsubscribed"
	// TypeMessageNew delivers a message from a watched chat (server -> client).
	TypeMessageNew = "message_new"
	// TypeDeliveryGap precedes the next message_new when events were dropped
	// because the client fell behind (server -> client).
	TypeDeliveryGap = "delivery_gap"

	TypeError = "error"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodeBadJSON      = "bad_json"
	CodeBadEnvelope  = "bad_envelope"
	CodeUnsupported  = "unsupported"
	CodeInvalidInput = "invalid_input"
	CodeNotFound     = "not_found"
	CodeUnauthorized = "unauthorized"
	CodeRateLimited  = "rate_limited"
	CodeInternal     = "internal"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation of an inbound envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeSubscribe,
		TypeUnsubscribe,
		TypeSubscribed,
		TypeUnsubscribed,
		TypeMessageNew,
		TypeDeliveryGap,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// New builds an envelope with payload marshalled to JSON.
func New(typ, id string, ts time.Time, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = b
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts.UTC(), Payload: raw}, nil
}
