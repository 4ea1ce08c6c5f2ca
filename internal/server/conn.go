package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/beamdrop/beamdrop/internal/logging"
	"github.com/beamdrop/beamdrop/pkg/signaling"
)

const writeWait = 10 * time.Second

var (
	ErrQueueFull  = errors.New("server: send queue full")
	ErrConnClosed = errors.New("server: connection closed")
)

// outFrame is one queued item for the write pump: either a text frame
// or, with closeCode set, the close handshake that ends the pump.
type outFrame struct {
	data      []byte
	closeCode int
	closeText string
}

// peerConn wraps one WebSocket connection. All writes to the socket go
// through sendq and the single write pump, which serializes replies,
// relays from the peer's goroutine, pings, and the final close frame.
type peerConn struct {
	id     string
	ws     *websocket.Conn
	remote string
	codec  *signaling.Codec
	clock  clockwork.Clock
	log    *slog.Logger

	sendq chan outFrame
	done  chan struct{}

	closeOnce sync.Once
}

func newPeerConn(ws *websocket.Conn, remote string, codec *signaling.Codec, clock clockwork.Clock, queueFrames int) *peerConn {
	id := uuid.NewString()
	return &peerConn{
		id:     id,
		ws:     ws,
		remote: remote,
		codec:  codec,
		clock:  clock,
		log:    logging.WithConn(logging.L("server"), id),
		sendq:  make(chan outFrame, queueFrames),
		done:   make(chan struct{}),
	}
}

func (c *peerConn) ID() string { return c.id }

// Enqueue queues env for delivery. With wait <= 0 a full queue fails
// immediately; otherwise it blocks up to wait for space. Frames are
// delivered in enqueue order.
func (c *peerConn) Enqueue(env signaling.Envelope, wait time.Duration) error {
	data, err := c.codec.Encode(env)
	if err != nil {
		return err
	}
	f := outFrame{data: data}

	select {
	case c.sendq <- f:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
	}
	if wait <= 0 {
		return ErrQueueFull
	}

	timer := c.clock.NewTimer(wait)
	defer timer.Stop()
	select {
	case c.sendq <- f:
		return nil
	case <-timer.Chan():
		return ErrQueueFull
	case <-c.done:
		return ErrConnClosed
	}
}

// Terminate queues the close frame behind whatever is already in the
// send queue, so pending notifications drain first. If the queue has no
// room the close is sent directly; either way the write pump tears the
// socket down.
func (c *peerConn) Terminate(code int, reason string) {
	c.closeOnce.Do(func() {
		select {
		case c.sendq <- outFrame{closeCode: code, closeText: reason}:
		default:
			deadline := c.clock.Now().Add(writeWait)
			c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
			c.ws.Close()
		}
	})
}

// writePump owns the socket's write side: queued frames in order, pings
// on the ticker, and the close frame last. It closes the socket on
// exit, which also unblocks the read loop.
func (c *peerConn) writePump(pingInterval time.Duration) {
	ticker := c.clock.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(c.done)
	}()

	for {
		select {
		case f := <-c.sendq:
			deadline := c.clock.Now().Add(writeWait)
			if f.closeCode != 0 {
				c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(f.closeCode, f.closeText), deadline)
				return
			}
			c.ws.SetWriteDeadline(deadline)
			if err := c.ws.WriteMessage(websocket.TextMessage, f.data); err != nil {
				c.log.Debug("write failed", "error", err)
				return
			}
		case <-ticker.Chan():
			deadline := c.clock.Now().Add(writeWait)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
