package server

import (
	"errors"
	"net"
	"net/http"
	"runtime/debug"

	"github.com/gorilla/websocket"

	"github.com/beamdrop/beamdrop/internal/broker"
	"github.com/beamdrop/beamdrop/internal/ratelimit"
	"github.com/beamdrop/beamdrop/pkg/signaling"
)

// handlerState is the protocol state owned by one connection's read
// loop: whether this connection holds a seat and which one. Membership
// truth lives in the registry; this only tracks what the connection
// itself has done.
type handlerState struct {
	bound     bool
	sessionID string
	clientID  string
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	// http.Server stops tracking the connection once it is hijacked;
	// the wait group is what lets Shutdown drain handlers.
	s.wg.Add(1)
	defer s.wg.Done()

	remote := remoteHost(r.RemoteAddr)

	if !s.reserveConn() {
		http.Error(w, "connection capacity reached", http.StatusServiceUnavailable)
		return
	}
	if !s.limiter.AddConn(remote) {
		s.releaseConn()
		http.Error(w, "too many connections from this address", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.limiter.RemoveConn(remote)
		s.releaseConn()
		log.Debug("upgrade rejected", "remote", remote, "error", err)
		return
	}

	conn := newPeerConn(ws, remote, s.codec, s.clock, s.cfg.SendQueueFrames)
	s.addConn(conn)
	s.metrics.Connections.Inc()
	conn.log.Debug("connection open", "remote", remote)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		conn.writePump(s.cfg.PingInterval)
	}()

	defer func() {
		if rec := recover(); rec != nil {
			conn.log.Error("connection handler panic", "panic", rec, "stack", string(debug.Stack()))
		}
		s.teardown(conn)
	}()
	s.readLoop(conn)
}

// readLoop reads frames until the connection dies. One frame is in
// flight at a time; a relay that has to wait for the peer's queue
// pauses this loop, which is the backpressure.
func (s *Server) readLoop(c *peerConn) {
	st := &handlerState{}

	// Twice the frame cap: frames between the cap and the hard
	// transport limit still get an error reply before the close, while
	// anything larger is cut off by the transport with a bare 1009.
	c.ws.SetReadLimit(2 * int64(s.cfg.MaxFrameBytes))
	c.ws.SetReadDeadline(s.clock.Now().Add(s.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(s.clock.Now().Add(s.cfg.PongTimeout))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				// gorilla has already sent the 1009 close frame.
				s.metrics.ErrorSent(signaling.CodeMessageTooLarge)
				c.log.Warn("frame over size limit")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read ended", "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(s.clock.Now().Add(s.cfg.PongTimeout))

		// The binary file channel is not multiplexed through signaling.
		if mt != websocket.TextMessage {
			continue
		}

		if ok, retry := s.limiter.AllowMessage(c.remote); !ok {
			s.sendError(c, signaling.CodeRateLimited, "message rate exceeded", ratelimit.RetrySeconds(retry))
			continue
		}

		env, werr := s.codec.Decode(data)
		if werr != nil {
			s.sendError(c, werr.Code, werr.Message, 0)
			if werr.Fatal {
				c.Terminate(closeCodeFor(werr.Code), werr.Code)
				return
			}
			continue
		}
		s.dispatch(c, st, &env, len(data))
	}
}

func (s *Server) dispatch(c *peerConn, st *handlerState, env *signaling.Envelope, size int) {
	switch env.Type {
	case signaling.TypeCreateSession:
		s.handleCreate(c, st, env)
	case signaling.TypeJoinSession:
		s.handleJoin(c, st, env)
	case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeICECandidate:
		s.handleRelay(c, st, env, size)
	case signaling.TypeSessionClose:
		s.handleClose(c, st, env)
	}
}

func (s *Server) handleCreate(c *peerConn, st *handlerState, env *signaling.Envelope) {
	if st.bound {
		s.sendError(c, signaling.CodeInvalidState, "already in a session", 0)
		return
	}
	var p signaling.CreatePayload
	if err := env.DecodePayload(&p); err != nil {
		s.sendError(c, signaling.CodeInvalidPayload, "create_session payload: "+err.Error(), 0)
		return
	}
	if p.ClientID == "" {
		s.sendError(c, signaling.CodeInvalidPayload, "clientId is required", 0)
		return
	}
	if ok, retry := s.limiter.AllowCreate(c.remote); !ok {
		s.sendError(c, signaling.CodeRateLimited, "session create rate exceeded", ratelimit.RetrySeconds(retry))
		return
	}

	created, err := s.registry.Create(c, p.ClientID, p.DisplayName)
	if err != nil {
		switch {
		case errors.Is(err, broker.ErrSessionCap):
			s.sendError(c, signaling.CodeInternal, "session capacity reached", 0)
		case errors.Is(err, broker.ErrAlreadyBound):
			s.sendError(c, signaling.CodeInvalidState, "already in a session", 0)
		default:
			c.log.Error("session create failed", "error", err)
			s.sendError(c, signaling.CodeInternal, "session create failed", 0)
		}
		return
	}
	st.bound = true
	st.sessionID = created.SessionID
	st.clientID = p.ClientID
	s.metrics.SessionsCreated.Inc()
	c.log.Info("session created", "session", created.SessionID)

	payload, err := signaling.MarshalPayload(signaling.CreatedPayload{
		SessionID: created.SessionID,
		Token:     created.Token,
		ExpiresAt: created.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		s.sendError(c, signaling.CodeInternal, "session create failed", 0)
		return
	}
	s.enqueueOrLog(c, signaling.Envelope{
		Type:      signaling.TypeSessionCreated,
		SessionID: created.SessionID,
		Timestamp: s.codec.Now(),
		Payload:   payload,
	})
}

func (s *Server) handleJoin(c *peerConn, st *handlerState, env *signaling.Envelope) {
	if st.bound {
		s.sendError(c, signaling.CodeInvalidState, "already in a session", 0)
		return
	}
	var p signaling.JoinPayload
	if err := env.DecodePayload(&p); err != nil {
		s.sendError(c, signaling.CodeInvalidPayload, "join_session payload: "+err.Error(), 0)
		return
	}
	if p.Token == "" || p.ClientID == "" {
		s.sendError(c, signaling.CodeInvalidPayload, "token and clientId are required", 0)
		return
	}
	if ok, retry := s.limiter.AllowJoin(c.remote); !ok {
		s.sendError(c, signaling.CodeRateLimited, "join rate exceeded", ratelimit.RetrySeconds(retry))
		return
	}

	joinedNotice, err := signaling.MarshalPayload(signaling.PeerPayload{
		PeerID:          p.ClientID,
		PeerDisplayName: p.DisplayName,
	})
	if err != nil {
		s.sendError(c, signaling.CodeInternal, "join failed", 0)
		return
	}

	// The commit hook runs while the registry still holds its lock, so
	// both notifications are queued before the new pairing can carry a
	// relay: session_joined lands on this (empty) queue first, and
	// peer_joined precedes anything we relay to the creator.
	var peerEnqueueErr error
	res, err := s.registry.Join(c, env.SessionID, p.Token, p.ClientID, p.DisplayName, func(res broker.JoinResult) {
		selfPayload, merr := signaling.MarshalPayload(signaling.PeerPayload{
			PeerID:          res.Peer.ClientID,
			PeerDisplayName: res.Peer.DisplayName,
		})
		if merr == nil {
			c.Enqueue(signaling.Envelope{
				Type:      signaling.TypeSessionJoined,
				SessionID: res.SessionID,
				Timestamp: s.codec.Now(),
				Payload:   selfPayload,
			}, 0)
		}
		peerEnqueueErr = res.Peer.Conn.Enqueue(signaling.Envelope{
			Type:      signaling.TypePeerJoined,
			SessionID: res.SessionID,
			From:      p.ClientID,
			Timestamp: s.codec.Now(),
			Payload:   joinedNotice,
		}, 0)
	})
	if err != nil {
		switch {
		case errors.Is(err, broker.ErrSessionNotFound):
			s.sendError(c, signaling.CodeSessionNotFound, "session not found", 0)
		case errors.Is(err, broker.ErrInvalidToken):
			s.sendError(c, signaling.CodeInvalidToken, "token rejected", 0)
		case errors.Is(err, broker.ErrSessionFull):
			s.sendError(c, signaling.CodeSessionFull, "session already has two members", 0)
		case errors.Is(err, broker.ErrDuplicateClient):
			s.sendError(c, signaling.CodeInvalidPayload, "clientId already present in session", 0)
		case errors.Is(err, broker.ErrAlreadyBound):
			s.sendError(c, signaling.CodeInvalidState, "already in a session", 0)
		default:
			c.log.Error("join failed", "error", err)
			s.sendError(c, signaling.CodeInternal, "join failed", 0)
		}
		return
	}
	st.bound = true
	st.sessionID = res.SessionID
	st.clientID = p.ClientID
	c.log.Info("peer joined session", "session", res.SessionID)

	if peerEnqueueErr != nil {
		// The creator was not draining its queue at the moment of
		// pairing; without peer_joined the session cannot progress.
		c.log.Warn("creator queue stalled at join", "session", res.SessionID)
		s.metrics.SlowPeerDrops.Inc()
		res.Peer.Conn.Terminate(websocket.ClosePolicyViolation, signaling.CodeSlowPeer)
	}
}

func (s *Server) handleRelay(c *peerConn, st *handlerState, env *signaling.Envelope, size int) {
	if !st.bound {
		s.sendError(c, signaling.CodeUnauthorized, "not in a session", 0)
		return
	}
	if env.SessionID != st.sessionID || env.From != st.clientID {
		s.sendError(c, signaling.CodeUnauthorized, "sender does not match session binding", 0)
		return
	}

	peer, err := s.registry.Peer(st.sessionID, st.clientID)
	if err != nil {
		switch {
		case errors.Is(err, broker.ErrNoPeer):
			s.sendError(c, signaling.CodeUnauthorized, "no peer has joined", 0)
		case errors.Is(err, broker.ErrPeerGone):
			s.sendError(c, signaling.CodePeerNotFound, "peer left the session", 0)
		default:
			s.sendError(c, signaling.CodeSessionNotFound, "session not found", 0)
		}
		return
	}
	if env.To != peer.ClientID {
		s.sendError(c, signaling.CodePeerNotFound, "recipient is not a session member", 0)
		return
	}

	// Forwarded verbatim; only the transport framing is replaced.
	err = peer.Conn.Enqueue(*env, s.cfg.SlowPeerStall)
	switch {
	case err == nil:
		s.metrics.MessagesRelayed.Inc()
		s.metrics.BytesRelayed.Add(float64(size))
	case errors.Is(err, ErrQueueFull):
		s.closeStalledPair(c, peer.Conn, st.sessionID)
	case errors.Is(err, ErrConnClosed):
		s.sendError(c, signaling.CodePeerNotFound, "peer connection closed", 0)
	default:
		c.log.Error("relay failed", "error", err)
		s.sendError(c, signaling.CodeInternal, "relay failed", 0)
	}
}

// closeStalledPair ends a session whose recipient stopped draining for
// the whole stall deadline. Both sides are told why, then both
// connections close; the registry unwinds through their teardowns.
func (s *Server) closeStalledPair(sender *peerConn, peer broker.Conn, sessionID string) {
	sender.log.Warn("peer stalled, closing session", "session", sessionID)
	s.metrics.SlowPeerDrops.Inc()

	s.sendError(sender, signaling.CodeSlowPeer, "peer is not draining, closing session", 0)
	if env, err := s.errorEnvelope(signaling.CodeSlowPeer, "send queue stalled, closing session", 0); err == nil {
		// Best effort: this queue is the one that is full.
		peer.Enqueue(env, 0)
	}
	peer.Terminate(websocket.ClosePolicyViolation, signaling.CodeSlowPeer)
	sender.Terminate(websocket.ClosePolicyViolation, signaling.CodeSlowPeer)
}

func (s *Server) handleClose(c *peerConn, st *handlerState, env *signaling.Envelope) {
	if !st.bound {
		s.sendError(c, signaling.CodeInvalidState, "not in a session", 0)
		return
	}
	if env.SessionID != "" && env.SessionID != st.sessionID {
		s.sendError(c, signaling.CodeUnauthorized, "sessionId does not match session binding", 0)
		return
	}
	var p signaling.ClosePayload
	if err := env.DecodePayload(&p); err != nil {
		s.sendError(c, signaling.CodeInvalidPayload, "session_close payload: "+err.Error(), 0)
		return
	}

	dep, ok := s.registry.Leave(c)
	if ok && dep.Peer != nil {
		if payload, err := signaling.MarshalPayload(signaling.LeftPayload{PeerID: dep.ClientID, Reason: p.Reason}); err == nil {
			dep.Peer.Conn.Enqueue(signaling.Envelope{
				Type:      signaling.TypePeerLeft,
				SessionID: dep.SessionID,
				From:      dep.ClientID,
				Timestamp: s.codec.Now(),
				Payload:   payload,
			}, 0)
		}
	}
	c.log.Info("member left session", "session", st.sessionID, "sessionRemoved", dep.SessionRemoved)

	// The connection survives and may create or join again.
	*st = handlerState{}
}

// teardown runs exactly once per connection, after its read loop exits
// for any reason. The peer hears peer_disconnected before the departed
// connection's state is gone.
func (s *Server) teardown(c *peerConn) {
	dep, wasBound := s.registry.Leave(c)
	if wasBound && dep.Peer != nil {
		if payload, err := signaling.MarshalPayload(signaling.DisconnectedPayload{PeerID: dep.ClientID}); err == nil {
			dep.Peer.Conn.Enqueue(signaling.Envelope{
				Type:      signaling.TypePeerDisconnected,
				SessionID: dep.SessionID,
				From:      dep.ClientID,
				Timestamp: s.codec.Now(),
				Payload:   payload,
			}, 0)
		}
	}
	c.Terminate(websocket.CloseNormalClosure, "")
	s.limiter.RemoveConn(c.remote)
	s.removeConn(c)
	s.releaseConn()
	c.log.Debug("connection closed")
}

func (s *Server) errorEnvelope(code, message string, retryAfter int) (signaling.Envelope, error) {
	payload, err := signaling.MarshalPayload(signaling.ErrorPayload{
		Code:       code,
		Message:    message,
		RetryAfter: retryAfter,
	})
	if err != nil {
		return signaling.Envelope{}, err
	}
	return signaling.Envelope{
		Type:      signaling.TypeError,
		Timestamp: s.codec.Now(),
		Payload:   payload,
	}, nil
}

// sendError reports a failure to the originator. Errors never reach the
// uninvolved peer.
func (s *Server) sendError(c *peerConn, code, message string, retryAfter int) {
	s.metrics.ErrorSent(code)
	env, err := s.errorEnvelope(code, message, retryAfter)
	if err != nil {
		return
	}
	if err := c.Enqueue(env, 0); err != nil {
		c.log.Debug("error reply dropped", "code", code, "error", err)
	}
}

func (s *Server) enqueueOrLog(c *peerConn, env signaling.Envelope) {
	if err := c.Enqueue(env, 0); err != nil {
		c.log.Debug("reply dropped", "type", env.Type, "error", err)
	}
}

func closeCodeFor(code string) int {
	switch code {
	case signaling.CodeInvalidMessage:
		return websocket.CloseInvalidFramePayloadData
	case signaling.CodeMessageTooLarge:
		return websocket.CloseMessageTooBig
	case signaling.CodeInternal:
		return websocket.CloseInternalServerErr
	default:
		return websocket.ClosePolicyViolation
	}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
