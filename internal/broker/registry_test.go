package broker

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/beamdrop/beamdrop/pkg/signaling"
)

type stubConn struct {
	id         string
	sent       []signaling.Envelope
	terminated bool
	closeCode  int
}

func (c *stubConn) ID() string { return c.id }

func (c *stubConn) Enqueue(env signaling.Envelope, wait time.Duration) error {
	c.sent = append(c.sent, env)
	return nil
}

func (c *stubConn) Terminate(code int, reason string) {
	c.terminated = true
	c.closeCode = code
}

func testRegistry(t *testing.T) (*Registry, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	return NewRegistry(time.Hour, 100, clock), clock
}

func mustCreate(t *testing.T, r *Registry, conn Conn, clientID string) Created {
	t.Helper()
	created, err := r.Create(conn, clientID, "tester")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return created
}

func TestCreateAssignsIdentifiers(t *testing.T) {
	r, clock := testRegistry(t)
	conn := &stubConn{id: "c1"}

	created := mustCreate(t, r, conn, "alice")
	if len(created.SessionID) != 32 {
		t.Errorf("session id length = %d, want 32", len(created.SessionID))
	}
	if len(created.Token) != 64 {
		t.Errorf("token length = %d, want 64", len(created.Token))
	}
	if want := clock.Now().Add(time.Hour); !created.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", created.ExpiresAt, want)
	}

	other := mustCreate(t, r, &stubConn{id: "c2"}, "bob")
	if other.SessionID == created.SessionID {
		t.Error("two sessions share an id")
	}
	if r.SessionCount() != 2 {
		t.Errorf("SessionCount = %d, want 2", r.SessionCount())
	}
}

func mustJoin(t *testing.T, r *Registry, conn Conn, sessionID, token, clientID string) JoinResult {
	t.Helper()
	res, err := r.Join(conn, sessionID, token, clientID, "tester", nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	return res
}

func TestJoinPairsWithCreator(t *testing.T) {
	r, _ := testRegistry(t)
	creator := &stubConn{id: "c1"}
	joiner := &stubConn{id: "c2"}

	created := mustCreate(t, r, creator, "alice")
	res, err := r.Join(joiner, created.SessionID, created.Token, "bob", "Bob", nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if res.Peer.ClientID != "alice" {
		t.Errorf("peer = %q, want alice", res.Peer.ClientID)
	}
	if res.Peer.Conn.ID() != creator.id {
		t.Error("peer conn is not the creator's connection")
	}
	if !res.ExpiresAt.Equal(created.ExpiresAt) {
		t.Error("join changed the session expiry")
	}
}

func TestJoinRejections(t *testing.T) {
	r, _ := testRegistry(t)
	creator := &stubConn{id: "c1"}
	created := mustCreate(t, r, creator, "alice")

	if _, err := r.Join(&stubConn{id: "x"}, "feedfacefeedfacefeedfacefeedface", created.Token, "bob", "", nil); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session: err = %v, want ErrSessionNotFound", err)
	}
	badToken := "deadbeef" + created.Token[8:]
	if _, err := r.Join(&stubConn{id: "x"}, created.SessionID, badToken, "bob", "", nil); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong token: err = %v, want ErrInvalidToken", err)
	}
	if _, err := r.Join(&stubConn{id: "x"}, created.SessionID, created.Token, "alice", "", nil); !errors.Is(err, ErrDuplicateClient) {
		t.Errorf("duplicate client: err = %v, want ErrDuplicateClient", err)
	}
	if _, err := r.Join(creator, created.SessionID, created.Token, "bob", "", nil); !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("creator rejoining own session: err = %v, want ErrAlreadyBound", err)
	}

	mustJoin(t, r, &stubConn{id: "c2"}, created.SessionID, created.Token, "bob")
	if _, err := r.Join(&stubConn{id: "c3"}, created.SessionID, created.Token, "carol", "", nil); !errors.Is(err, ErrSessionFull) {
		t.Errorf("third member: err = %v, want ErrSessionFull", err)
	}
}

func TestJoinCommitHookRunsOnSuccessOnly(t *testing.T) {
	r, _ := testRegistry(t)
	created := mustCreate(t, r, &stubConn{id: "c1"}, "alice")

	calls := 0
	badToken := "deadbeef" + created.Token[8:]
	r.Join(&stubConn{id: "c2"}, created.SessionID, badToken, "bob", "", func(JoinResult) { calls++ })
	if calls != 0 {
		t.Fatal("commit hook ran for a rejected join")
	}

	_, err := r.Join(&stubConn{id: "c2"}, created.SessionID, created.Token, "bob", "", func(res JoinResult) {
		calls++
		if res.Peer.ClientID != "alice" {
			t.Errorf("hook peer = %q, want alice", res.Peer.ClientID)
		}
	})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if calls != 1 {
		t.Fatalf("commit hook ran %d times, want 1", calls)
	}
}

func TestWrongTokenReportedBeforeFull(t *testing.T) {
	r, _ := testRegistry(t)
	created := mustCreate(t, r, &stubConn{id: "c1"}, "alice")
	mustJoin(t, r, &stubConn{id: "c2"}, created.SessionID, created.Token, "bob")

	badToken := "deadbeef" + created.Token[8:]
	if _, err := r.Join(&stubConn{id: "c3"}, created.SessionID, badToken, "carol", "", nil); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong token on full session: err = %v, want ErrInvalidToken", err)
	}
}

func TestValidateToken(t *testing.T) {
	r, clock := testRegistry(t)
	created := mustCreate(t, r, &stubConn{id: "c1"}, "alice")

	if !r.ValidateToken(created.SessionID, created.Token) {
		t.Error("valid token rejected")
	}
	if r.ValidateToken(created.SessionID, "deadbeef"+created.Token[8:]) {
		t.Error("wrong token accepted")
	}
	if r.ValidateToken("feedfacefeedfacefeedfacefeedface", created.Token) {
		t.Error("unknown session accepted")
	}

	clock.Advance(time.Hour + time.Minute)
	if r.ValidateToken(created.SessionID, created.Token) {
		t.Error("token accepted after expiry")
	}
}

func TestJoinExpiredSessionReadsAsNotFound(t *testing.T) {
	r, clock := testRegistry(t)
	created := mustCreate(t, r, &stubConn{id: "c1"}, "alice")

	// Past the TTL but before the sweeper has run.
	clock.Advance(time.Hour + time.Minute)
	if _, err := r.Join(&stubConn{id: "c2"}, created.SessionID, created.Token, "bob", "", nil); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestLeaveLastMemberRemovesSession(t *testing.T) {
	r, _ := testRegistry(t)
	conn := &stubConn{id: "c1"}
	created := mustCreate(t, r, conn, "alice")

	dep, ok := r.Leave(conn)
	if !ok {
		t.Fatal("Leave reported conn as unbound")
	}
	if dep.Peer != nil {
		t.Error("sole member departure reported a peer")
	}
	if !dep.SessionRemoved {
		t.Error("empty session was retained")
	}
	if r.SessionCount() != 0 {
		t.Errorf("SessionCount = %d, want 0", r.SessionCount())
	}
	// The token dies with the session.
	if _, err := r.Join(&stubConn{id: "c2"}, created.SessionID, created.Token, "bob", "", nil); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("join after removal: err = %v, want ErrSessionNotFound", err)
	}
}

func TestLeaveWithPeerKeepsSession(t *testing.T) {
	r, _ := testRegistry(t)
	creator := &stubConn{id: "c1"}
	joiner := &stubConn{id: "c2"}
	created := mustCreate(t, r, creator, "alice")
	mustJoin(t, r, joiner, created.SessionID, created.Token, "bob")

	dep, ok := r.Leave(joiner)
	if !ok {
		t.Fatal("Leave reported conn as unbound")
	}
	if dep.Peer == nil || dep.Peer.ClientID != "alice" {
		t.Fatalf("departure peer = %+v, want alice", dep.Peer)
	}
	if dep.SessionRemoved {
		t.Error("session removed while a member remains")
	}

	// The freed seat can be taken again with the same token.
	mustJoin(t, r, &stubConn{id: "c3"}, created.SessionID, created.Token, "carol")
}

func TestLeaveUnboundConn(t *testing.T) {
	r, _ := testRegistry(t)
	if _, ok := r.Leave(&stubConn{id: "ghost"}); ok {
		t.Error("Leave reported an unbound conn as bound")
	}
}

func TestPeerLookup(t *testing.T) {
	r, _ := testRegistry(t)
	creator := &stubConn{id: "c1"}
	created := mustCreate(t, r, creator, "alice")

	if _, err := r.Peer(created.SessionID, "alice"); !errors.Is(err, ErrNoPeer) {
		t.Errorf("solo session: err = %v, want ErrNoPeer", err)
	}
	if _, err := r.Peer("feedfacefeedfacefeedfacefeedface", "alice"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session: err = %v, want ErrSessionNotFound", err)
	}

	joiner := &stubConn{id: "c2"}
	mustJoin(t, r, joiner, created.SessionID, created.Token, "bob")
	p, err := r.Peer(created.SessionID, "alice")
	if err != nil {
		t.Fatalf("Peer: %v", err)
	}
	if p.ClientID != "bob" {
		t.Errorf("peer of alice = %q, want bob", p.ClientID)
	}

	// Once the pairing existed, a missing peer reads as gone, not
	// as never-joined.
	r.Leave(joiner)
	if _, err := r.Peer(created.SessionID, "alice"); !errors.Is(err, ErrPeerGone) {
		t.Errorf("after departure: err = %v, want ErrPeerGone", err)
	}
}

func TestSweepRemovesExpiredSessions(t *testing.T) {
	r, clock := testRegistry(t)
	oldConn := &stubConn{id: "c1"}
	mustCreate(t, r, oldConn, "alice")

	clock.Advance(30 * time.Minute)
	freshConn := &stubConn{id: "c2"}
	mustCreate(t, r, freshConn, "bob")

	clock.Advance(31 * time.Minute) // first session past TTL, second not
	conns, removed := r.Sweep()
	if len(conns) != 1 || conns[0].ID() != "c1" {
		t.Fatalf("Sweep returned %d conns, want just c1", len(conns))
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if r.SessionCount() != 1 {
		t.Errorf("SessionCount = %d, want 1", r.SessionCount())
	}

	stats := r.Stats()
	if stats.SessionsExpired != 1 {
		t.Errorf("SessionsExpired = %d, want 1", stats.SessionsExpired)
	}
	if stats.SessionsCreated != 2 {
		t.Errorf("SessionsCreated = %d, want 2", stats.SessionsCreated)
	}
}

func TestSweepUnbindsConnections(t *testing.T) {
	r, clock := testRegistry(t)
	creator := &stubConn{id: "c1"}
	joiner := &stubConn{id: "c2"}
	created := mustCreate(t, r, creator, "alice")
	mustJoin(t, r, joiner, created.SessionID, created.Token, "bob")

	clock.Advance(2 * time.Hour)
	conns, _ := r.Sweep()
	if len(conns) != 2 {
		t.Fatalf("Sweep returned %d conns, want 2", len(conns))
	}

	// Both bindings are gone with the session.
	if _, ok := r.Leave(creator); ok {
		t.Error("creator still bound after sweep")
	}
	if _, ok := r.Leave(joiner); ok {
		t.Error("joiner still bound after sweep")
	}
}

func TestSessionCap(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewRegistry(time.Hour, 1, clock)

	mustCreate(t, r, &stubConn{id: "c1"}, "alice")
	if _, err := r.Create(&stubConn{id: "c2"}, "bob", ""); !errors.Is(err, ErrSessionCap) {
		t.Errorf("err = %v, want ErrSessionCap", err)
	}

	// Capacity frees up when a session ends.
	r.Leave(&stubConn{id: "c1"})
	if _, err := r.Create(&stubConn{id: "c2"}, "bob", ""); err != nil {
		t.Errorf("create after capacity freed: %v", err)
	}
}

func TestCreateWhileBound(t *testing.T) {
	r, _ := testRegistry(t)
	conn := &stubConn{id: "c1"}
	mustCreate(t, r, conn, "alice")

	if _, err := r.Create(conn, "alice", ""); !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("err = %v, want ErrAlreadyBound", err)
	}
}
