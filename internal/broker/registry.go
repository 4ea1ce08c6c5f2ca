// Package broker holds the session and connection registries: who is in
// which session, behind which token, until when. It is the single
// authority on membership; transport concerns stay in internal/server.
package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/beamdrop/beamdrop/internal/logging"
)

var log = logging.L("broker")

// binding is the reverse index entry from a connection to its seat.
type binding struct {
	sessionID string
	clientID  string
}

// Registry tracks live sessions and the connections bound to them. One
// mutex covers both maps so membership and the reverse index never
// disagree. The critical sections do no I/O; methods return the Conns
// a caller must act on after the lock is released.
type Registry struct {
	ttl        time.Duration
	sessionCap int
	clock      clockwork.Clock

	mu       sync.Mutex
	sessions map[string]*Session
	byConn   map[string]binding

	created atomic.Uint64
	expired atomic.Uint64
}

func NewRegistry(ttl time.Duration, sessionCap int, clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		ttl:        ttl,
		sessionCap: sessionCap,
		clock:      clock,
		sessions:   make(map[string]*Session),
		byConn:     make(map[string]binding),
	}
}

// Created is what the creator gets back: the session coordinates and
// the one-time look at the join token.
type Created struct {
	SessionID string
	Token     string
	ExpiresAt time.Time
}

// Create mints a session with conn's client as its first member.
func (r *Registry) Create(conn Conn, clientID, displayName string) (Created, error) {
	// RNG runs outside the critical section.
	id, err := NewSessionID()
	if err != nil {
		return Created{}, err
	}
	token, err := NewToken()
	if err != nil {
		return Created{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, bound := r.byConn[conn.ID()]; bound {
		return Created{}, ErrAlreadyBound
	}
	if len(r.sessions) >= r.sessionCap {
		return Created{}, ErrSessionCap
	}

	now := r.clock.Now()
	s := &Session{
		ID:        id,
		Token:     token,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
		members:   []Member{{ClientID: clientID, DisplayName: displayName, Conn: conn}},
	}
	r.sessions[id] = s
	r.byConn[conn.ID()] = binding{sessionID: id, clientID: clientID}
	r.created.Add(1)
	return Created{SessionID: id, Token: token, ExpiresAt: s.ExpiresAt}, nil
}

// JoinResult carries the resident member so the caller can notify both
// sides outside the registry lock.
type JoinResult struct {
	SessionID string
	ExpiresAt time.Time
	Peer      Member
}

// Join admits conn's client as the second member. The checks run in a
// fixed order so a wrong token is reported as such even when the
// session is also full. Expired sessions read as not found whether or
// not the sweeper has removed them yet.
//
// A non-nil onCommit runs inside the critical section, after the new
// membership is recorded but before it becomes visible to concurrent
// relays. It must not block; callers use it to queue the join
// notifications ahead of any relay the pairing unlocks.
func (r *Registry) Join(conn Conn, sessionID, token, clientID, displayName string, onCommit func(JoinResult)) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, bound := r.byConn[conn.ID()]; bound {
		return JoinResult{}, ErrAlreadyBound
	}
	s, ok := r.sessions[sessionID]
	if !ok || !r.clock.Now().Before(s.ExpiresAt) {
		// Burn a comparison so a miss costs the same as a mismatch.
		TokensEqual(token, dummyToken)
		return JoinResult{}, ErrSessionNotFound
	}
	if !TokensEqual(token, s.Token) {
		return JoinResult{}, ErrInvalidToken
	}
	if s.full() {
		return JoinResult{}, ErrSessionFull
	}
	if _, dup := s.member(clientID); dup {
		return JoinResult{}, ErrDuplicateClient
	}

	peer := s.members[0]
	s.members[0].sawPeer = true
	s.members = append(s.members, Member{ClientID: clientID, DisplayName: displayName, Conn: conn, sawPeer: true})
	r.byConn[conn.ID()] = binding{sessionID: sessionID, clientID: clientID}

	res := JoinResult{SessionID: sessionID, ExpiresAt: s.ExpiresAt, Peer: peer}
	if onCommit != nil {
		onCommit(res)
	}
	return res, nil
}

// ValidateToken reports whether token opens sessionID. Constant-time on
// the token; unknown and expired sessions compare against a dummy.
func (r *Registry) ValidateToken(sessionID, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok || !r.clock.Now().Before(s.ExpiresAt) {
		TokensEqual(token, dummyToken)
		return false
	}
	return TokensEqual(token, s.Token)
}

// Departure describes what Leave removed and who is left to notify.
type Departure struct {
	SessionID      string
	ClientID       string
	Peer           *Member
	SessionRemoved bool
}

// Leave unbinds conn and removes its membership. The session is deleted
// when its last member departs; ok reports whether conn was bound.
func (r *Registry) Leave(conn Conn) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, bound := r.byConn[conn.ID()]
	if !bound {
		return Departure{}, false
	}
	delete(r.byConn, conn.ID())

	dep := Departure{SessionID: b.sessionID, ClientID: b.clientID}
	s, ok := r.sessions[b.sessionID]
	if !ok {
		return dep, true
	}
	s.removeMember(b.clientID)
	if p, present := s.peer(b.clientID); present {
		peer := p
		dep.Peer = &peer
	} else {
		r.removeLocked(s)
		dep.SessionRemoved = true
	}
	return dep, true
}

// Peer returns the other member of sessionID for relaying. When no
// peer is present the error tells whether one was ever there:
// ErrPeerGone after a departure, ErrNoPeer when nobody has joined yet.
func (r *Registry) Peer(sessionID, clientID string) (Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return Member{}, ErrSessionNotFound
	}
	p, ok := s.peer(clientID)
	if !ok {
		if m, present := s.member(clientID); present && m.sawPeer {
			return Member{}, ErrPeerGone
		}
		return Member{}, ErrNoPeer
	}
	return p, nil
}

// Sweep removes every session at or past its expiry, returning the
// connections that were still bound to them and the number of sessions
// removed. Callers close those connections without notification; an
// expired peer is considered gone.
func (r *Registry) Sweep() ([]Conn, int) {
	r.mu.Lock()
	now := r.clock.Now()
	var conns []Conn
	swept := 0
	for _, s := range r.sessions {
		if now.Before(s.ExpiresAt) {
			continue
		}
		conns = append(conns, r.removeLocked(s)...)
		swept++
	}
	r.mu.Unlock()

	if swept > 0 {
		r.expired.Add(uint64(swept))
		log.Info("swept expired sessions", "count", swept)
	}
	return conns, swept
}

// removeLocked deletes s and its members' bindings, returning the
// affected connections. Session deletion on last-member departure and
// on expiry both come through here. Caller holds mu.
func (r *Registry) removeLocked(s *Session) []Conn {
	conns := make([]Conn, 0, len(s.members))
	for _, m := range s.members {
		delete(r.byConn, m.Conn.ID())
		conns = append(conns, m.Conn)
	}
	delete(r.sessions, s.ID)
	return conns
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Stats is a point-in-time snapshot for the statistics resource.
type Stats struct {
	LiveSessions    int    `json:"liveSessions"`
	SessionsCreated uint64 `json:"sessionsCreated"`
	SessionsExpired uint64 `json:"sessionsExpired"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	live := len(r.sessions)
	r.mu.Unlock()
	return Stats{
		LiveSessions:    live,
		SessionsCreated: r.created.Load(),
		SessionsExpired: r.expired.Load(),
	}
}
