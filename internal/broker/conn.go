package broker

import (
	"time"

	"github.com/beamdrop/beamdrop/pkg/signaling"
)

// Conn is the registry's handle on a client connection. The registry
// never performs I/O itself; it hands Conns back to callers, who act on
// them after releasing the registry lock.
type Conn interface {
	// ID uniquely identifies the transport connection.
	ID() string

	// Enqueue queues an envelope for delivery in FIFO order. With a
	// zero wait it fails immediately when the send queue is full;
	// otherwise it blocks up to wait for space.
	Enqueue(env signaling.Envelope, wait time.Duration) error

	// Terminate closes the connection with the given close code after
	// draining queued frames. Safe to call more than once.
	Terminate(code int, reason string)
}
