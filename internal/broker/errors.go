package broker

import "errors"

var (
	ErrSessionNotFound = errors.New("broker: session not found")
	ErrInvalidToken    = errors.New("broker: invalid token")
	ErrSessionFull     = errors.New("broker: session full")
	ErrDuplicateClient = errors.New("broker: duplicate client id")
	ErrAlreadyBound    = errors.New("broker: connection already in a session")
	ErrSessionCap      = errors.New("broker: session capacity reached")
	ErrNoPeer          = errors.New("broker: no peer has joined")
	ErrPeerGone        = errors.New("broker: peer left the session")
)
