// Package wire defines the JSON envelopes exchanged between clients and the
// relay server. Every frame carries a "type" discriminator; payloads are
// opaque json.RawMessage values that the server never interprets.
package wire

import (
	"encoding/json"
	"fmt"
)

// Frame type discriminators.
const (
	TypeHello        = "hello"
	TypeWelcome      = "welcome"
	TypeRelayRequest = "relay_request"
	TypeRelayAck     = "relay_ack"
	TypeRelayForward = "relay_forward"
	TypeRelayReply   = "relay_reply"
	TypeBroadcast    = "broadcast"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
)

// Hello is the first frame a client must send after connecting. Token is a
// bearer-style credential; an optional "Bearer " prefix is tolerated.
type Hello struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// Welcome acknowledges a successful handshake and reports the session
// identity the server derived from the token.
type Welcome struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Identity  string `json:"identity"`
}

// RelayRequest asks the server to forward Payload to the session currently
// registered under Target and route back that peer's eventual reply.
type RelayRequest struct {
	Type    string          `json:"type"`
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RelayAck resolves a RelayRequest. Exactly one ack is delivered per request:
// either Success with the peer's Reply, or a caller-visible Error string.
// RequestID is populated when a correlation ID was reserved (so timed-out
// requests remain traceable in logs).
type RelayAck struct {
	Type      string          `json:"type"`
	Success   bool            `json:"success"`
	RequestID string          `json:"requestId,omitempty"`
	Reply     json.RawMessage `json:"reply,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Origin identifies the requester inside a forwarded envelope so the peer
// knows who to address in its reply context.
type Origin struct {
	Identity  string `json:"identity"`
	SessionID string `json:"sessionId"`
}

// RelayForward is the envelope delivered to the target peer.
type RelayForward struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlationId"`
	From          Origin          `json:"from"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// RelayReply is sent by the target peer to answer a forwarded request.
type RelayReply struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Broadcast fans Message out to every connected session except the sender.
// Kind is an application-level tag. The server stamps From and Timestamp on
// the outbound copy; values supplied by the sender are ignored.
type Broadcast struct {
	Type      string          `json:"type"`
	Message   json.RawMessage `json:"message"`
	Kind      string          `json:"kind,omitempty"`
	From      string          `json:"from,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Ping requests a Pong carrying the server's clock.
type Ping struct {
	Type string `json:"type"`
}

// Pong answers a Ping.
type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Error reports a frame-level failure that is not tied to a relay ack, such
// as an unparseable frame or an unknown type.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PeekType extracts the type discriminator without decoding the full frame.
func PeekType(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("malformed frame: %w", err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("frame missing type")
	}
	return head.Type, nil
}
