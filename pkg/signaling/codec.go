package signaling

import (
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
)

// WireError is a protocol-level rejection with its wire error code. Fatal
// errors require the connection to be closed after the error is reported;
// non-fatal ones leave the connection usable.
type WireError struct {
	Code    string
	Message string
	Fatal   bool
}

func (e *WireError) Error() string {
	return e.Code + ": " + e.Message
}

// Codec validates inbound envelopes against frame size, required fields,
// known types, and the timestamp skew window. Relay payloads pass through
// unparsed.
type Codec struct {
	maxFrame int
	maxSkew  time.Duration
	clock    clockwork.Clock
}

// NewCodec returns a codec enforcing the given frame size limit and
// timestamp window. A nil clock means wall time.
func NewCodec(maxFrame int, maxSkew time.Duration, clock clockwork.Clock) *Codec {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Codec{maxFrame: maxFrame, maxSkew: maxSkew, clock: clock}
}

// Now returns the codec's current time as a millisecond epoch.
func (c *Codec) Now() int64 {
	return c.clock.Now().UnixMilli()
}

// Decode parses and validates one inbound text frame. The returned envelope
// is valid only when the error is nil.
func (c *Codec) Decode(frame []byte) (Envelope, *WireError) {
	var env Envelope
	if c.maxFrame > 0 && len(frame) > c.maxFrame {
		return env, &WireError{Code: CodeMessageTooLarge, Message: "frame exceeds maximum size", Fatal: true}
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return env, &WireError{Code: CodeInvalidMessage, Message: "malformed message", Fatal: true}
	}
	if env.Type == "" {
		return env, &WireError{Code: CodeInvalidMessage, Message: "type is required"}
	}
	if !clientType(env.Type) {
		return env, &WireError{Code: CodeUnknownMessageType, Message: "unknown message type: " + env.Type}
	}
	if env.Timestamp == 0 {
		return env, &WireError{Code: CodeInvalidMessage, Message: "timestamp is required"}
	}
	if skew := time.Duration(c.Now()-env.Timestamp) * time.Millisecond; skew > c.maxSkew || skew < -c.maxSkew {
		return env, &WireError{Code: CodeInvalidTimestamp, Message: "timestamp outside accepted window"}
	}
	if len(env.Payload) == 0 {
		return env, &WireError{Code: CodeInvalidMessage, Message: "payload is required"}
	}
	switch env.Type {
	case TypeJoinSession:
		if env.SessionID == "" {
			return env, &WireError{Code: CodeInvalidMessage, Message: "sessionId is required"}
		}
	case TypeOffer, TypeAnswer, TypeICECandidate:
		if env.SessionID == "" || env.From == "" || env.To == "" {
			return env, &WireError{Code: CodeInvalidMessage, Message: "sessionId, from, and to are required on relays"}
		}
	}
	return env, nil
}

// Encode serializes an envelope for the wire.
func (c *Codec) Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func clientType(t string) bool {
	switch t {
	case TypeCreateSession, TypeJoinSession, TypeOffer, TypeAnswer, TypeICECandidate, TypeSessionClose:
		return true
	}
	return false
}
