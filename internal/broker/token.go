package broker

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// dummyToken is compared against when the session does not exist, so a
// lookup miss costs the same comparison as a token mismatch.
const dummyToken = "0000000000000000000000000000000000000000000000000000000000000000"

// NewSessionID returns a 128-bit identifier as 32 lowercase hex chars.
func NewSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("broker: generate session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewToken returns a 256-bit join token as 64 lowercase hex chars.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("broker: generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// TokensEqual compares two tokens in constant time.
func TokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
