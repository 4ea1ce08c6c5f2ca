// Package signaling defines the wire protocol spoken between beamdrop peers
// and the signaling server: the JSON message envelope, the message types,
// the error codes, and a client capable of driving a session from Go.
//
// The envelope is deliberately thin. For relayed messages (offer, answer,
// ice_candidate) the payload is opaque to the server and is forwarded
// byte-for-byte; only server-originated messages have payloads the server
// composes itself.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types sent by clients.
const (
	TypeCreateSession = "create_session"
	TypeJoinSession   = "join_session"
	TypeOffer         = "offer"
	TypeAnswer        = "answer"
	TypeICECandidate  = "ice_candidate"
	TypeSessionClose  = "session_close"
)

// Message types originated by the server.
const (
	TypeSessionCreated   = "session_created"
	TypeSessionJoined    = "session_joined"
	TypePeerJoined       = "peer_joined"
	TypePeerLeft         = "peer_left"
	TypePeerDisconnected = "peer_disconnected"
	TypeError            = "error"
)

// Error codes carried in the payload of error messages.
const (
	CodeInvalidTimestamp   = "INVALID_TIMESTAMP"
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeInvalidState       = "INVALID_STATE"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeSessionFull        = "SESSION_FULL"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodePeerNotFound       = "PEER_NOT_FOUND"
	CodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	CodeMessageTooLarge    = "MESSAGE_TOO_LARGE"
	CodeSlowPeer           = "SLOW_PEER"
	CodeInternal           = "INTERNAL"
)

// Envelope is the outer JSON object wrapping every signaling message.
// Timestamp is a millisecond epoch supplied by the sender; the server
// accepts it only within a configured skew window. Payload stays raw so
// relayed bodies survive untouched.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return errors.New("signaling: empty payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// MarshalPayload encodes v for use as an envelope payload.
func MarshalPayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("signaling: marshal payload: %w", err)
	}
	return data, nil
}

// CreatePayload is the body of create_session.
type CreatePayload struct {
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName"`
}

// JoinPayload is the body of join_session.
type JoinPayload struct {
	Token       string `json:"token"`
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName"`
}

// ClosePayload is the body of session_close.
type ClosePayload struct {
	Reason string `json:"reason,omitempty"`
}

// CreatedPayload is the body of session_created, sent only to the creator.
type CreatedPayload struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// PeerPayload is the body of session_joined and peer_joined.
type PeerPayload struct {
	PeerID          string `json:"peerId"`
	PeerDisplayName string `json:"peerDisplayName"`
}

// LeftPayload is the body of peer_left.
type LeftPayload struct {
	PeerID string `json:"peerId"`
	Reason string `json:"reason,omitempty"`
}

// DisconnectedPayload is the body of peer_disconnected.
type DisconnectedPayload struct {
	PeerID string `json:"peerId"`
}

// ErrorPayload is the body of error messages. RetryAfter is a hint in
// seconds, present only on rate-limit rejections.
type ErrorPayload struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// SDPPayload is the conventional body of offer and answer messages. The
// server never parses it; it is defined here for Go peers.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CandidatePayload is the conventional body of ice_candidate messages,
// mirroring the browser RTCIceCandidateInit shape. Opaque to the server.
type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}
