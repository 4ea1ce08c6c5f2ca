package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	clientWriteWait    = 10 * time.Second
	clientPongWait     = 65 * time.Second
	clientPingInterval = 30 * time.Second
	clientEventBuffer  = 32
)

// ErrConnectionClosed reports that the signaling connection is gone.
var ErrConnectionClosed = errors.New("signaling: connection closed")

// ServerError is an error message returned by the server. RetryAfter is in
// seconds and zero unless the server supplied a hint.
type ServerError struct {
	Code       string
	Message    string
	RetryAfter int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("signaling: server rejected request: %s: %s", e.Code, e.Message)
}

// Client is one signaling connection. Request methods (CreateSession,
// JoinSession) consume their own replies; everything else the server sends
// arrives on Events in order.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	events chan Envelope
	done   chan struct{}

	closeOnce sync.Once

	errMu   sync.Mutex
	readErr error
}

// Dial connects to a signaling endpoint (ws:// or wss://) and starts the
// read and keep-alive loops.
func Dial(ctx context.Context, url string) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: false,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("signaling: dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("signaling: dial %s: %w", url, err)
	}

	c := &Client{
		conn:   conn,
		events: make(chan Envelope, clientEventBuffer),
		done:   make(chan struct{}),
	}
	conn.SetReadDeadline(time.Now().Add(clientPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(clientPongWait))
	})

	go c.readPump()
	go c.pingLoop()
	return c, nil
}

// Events is the stream of server messages not consumed by a pending request.
// It closes when the connection drops; Err then explains why.
func (c *Client) Events() <-chan Envelope {
	return c.events
}

// Err reports the read failure that ended the event stream, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// Send writes one envelope. A zero Timestamp is filled with the current
// wall clock.
func (c *Client) Send(env Envelope) error {
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("signaling: encode %s: %w", env.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signaling: write %s: %w", env.Type, err)
	}
	return nil
}

// CreateSession asks the server for a fresh session and returns its
// identifier, join token, and expiry.
func (c *Client) CreateSession(ctx context.Context, clientID, displayName string) (CreatedPayload, error) {
	payload, err := MarshalPayload(CreatePayload{ClientID: clientID, DisplayName: displayName})
	if err != nil {
		return CreatedPayload{}, err
	}
	if err := c.Send(Envelope{Type: TypeCreateSession, Payload: payload}); err != nil {
		return CreatedPayload{}, err
	}
	env, err := c.waitFor(ctx, TypeSessionCreated)
	if err != nil {
		return CreatedPayload{}, err
	}
	var out CreatedPayload
	if err := env.DecodePayload(&out); err != nil {
		return CreatedPayload{}, err
	}
	return out, nil
}

// JoinSession presents a token for an existing session and returns the
// identity of the peer already present.
func (c *Client) JoinSession(ctx context.Context, sessionID, token, clientID, displayName string) (PeerPayload, error) {
	payload, err := MarshalPayload(JoinPayload{Token: token, ClientID: clientID, DisplayName: displayName})
	if err != nil {
		return PeerPayload{}, err
	}
	if err := c.Send(Envelope{Type: TypeJoinSession, SessionID: sessionID, Payload: payload}); err != nil {
		return PeerPayload{}, err
	}
	env, err := c.waitFor(ctx, TypeSessionJoined)
	if err != nil {
		return PeerPayload{}, err
	}
	var out PeerPayload
	if err := env.DecodePayload(&out); err != nil {
		return PeerPayload{}, err
	}
	return out, nil
}

// Relay forwards an opaque signaling payload (offer, answer, ice_candidate)
// to the session peer.
func (c *Client) Relay(typ, sessionID, from, to string, payload any) error {
	body, err := MarshalPayload(payload)
	if err != nil {
		return err
	}
	return c.Send(Envelope{Type: typ, SessionID: sessionID, From: from, To: to, Payload: body})
}

// CloseSession leaves the session, notifying the peer.
func (c *Client) CloseSession(sessionID, reason string) error {
	payload, err := MarshalPayload(ClosePayload{Reason: reason})
	if err != nil {
		return err
	}
	return c.Send(Envelope{Type: TypeSessionClose, SessionID: sessionID, Payload: payload})
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
	})
	return nil
}

// waitFor reads events until one of the wanted type arrives, a server error
// answers the request, or the context expires.
func (c *Client) waitFor(ctx context.Context, want string) (Envelope, error) {
	for {
		select {
		case env, ok := <-c.events:
			if !ok {
				if err := c.Err(); err != nil {
					return Envelope{}, err
				}
				return Envelope{}, ErrConnectionClosed
			}
			switch env.Type {
			case want:
				return env, nil
			case TypeError:
				var p ErrorPayload
				if err := env.DecodePayload(&p); err != nil {
					return Envelope{}, fmt.Errorf("signaling: undecodable error reply: %w", err)
				}
				return Envelope{}, &ServerError{Code: p.Code, Message: p.Message, RetryAfter: p.RetryAfter}
			default:
				// Unrelated notification during a pending request; skip.
			}
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		close(c.events)
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errMu.Lock()
				c.readErr = err
				c.errMu.Unlock()
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(clientPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(clientWriteWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
