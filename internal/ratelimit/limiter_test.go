package ratelimit

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func testLimiter() (*Limiter, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	l := New(Limits{
		CreatesPerHour:        3,
		JoinsPerHour:          5,
		MessagesPerMinute:     10,
		ConnectionsPerAddress: 2,
	}, clock)
	return l, clock
}

func TestCreateWindow(t *testing.T) {
	l, _ := testLimiter()

	for i := 0; i < 3; i++ {
		if ok, _ := l.AllowCreate("10.0.0.1"); !ok {
			t.Fatalf("create %d should be allowed", i+1)
		}
	}
	ok, retry := l.AllowCreate("10.0.0.1")
	if ok {
		t.Fatal("4th create should be rejected")
	}
	if retry <= 0 || retry > time.Hour {
		t.Fatalf("retry hint = %v, want within (0, 1h]", retry)
	}

	// Another address is unaffected.
	if ok, _ := l.AllowCreate("10.0.0.2"); !ok {
		t.Fatal("different address should be allowed")
	}
}

func TestCreateWindowExpiry(t *testing.T) {
	l, clock := testLimiter()

	for i := 0; i < 3; i++ {
		l.AllowCreate("10.0.0.1")
	}
	if ok, _ := l.AllowCreate("10.0.0.1"); ok {
		t.Fatal("should be rejected at limit")
	}

	clock.Advance(time.Hour + time.Second)
	if ok, _ := l.AllowCreate("10.0.0.1"); !ok {
		t.Fatal("should be allowed after window expires")
	}
}

func TestJoinWindowIndependentOfCreates(t *testing.T) {
	l, _ := testLimiter()

	for i := 0; i < 3; i++ {
		l.AllowCreate("10.0.0.1")
	}
	// Create limit exhausted; joins have their own ledger.
	if ok, _ := l.AllowJoin("10.0.0.1"); !ok {
		t.Fatal("join should be allowed despite exhausted create window")
	}
}

func TestMessageBucket(t *testing.T) {
	l, _ := testLimiter()

	for i := 0; i < 10; i++ {
		if ok, _ := l.AllowMessage("10.0.0.1"); !ok {
			t.Fatalf("message %d should be allowed", i+1)
		}
	}
	ok, retry := l.AllowMessage("10.0.0.1")
	if ok {
		t.Fatal("11th burst message should be rejected")
	}
	if retry <= 0 {
		t.Fatalf("retry hint = %v, want positive", retry)
	}
}

func TestMessageBucketRefills(t *testing.T) {
	l, clock := testLimiter()

	for i := 0; i < 10; i++ {
		l.AllowMessage("10.0.0.1")
	}
	if ok, _ := l.AllowMessage("10.0.0.1"); ok {
		t.Fatal("bucket should be empty")
	}

	// 10/min refills one token every 6 seconds.
	clock.Advance(7 * time.Second)
	if ok, _ := l.AllowMessage("10.0.0.1"); !ok {
		t.Fatal("bucket should have refilled one token")
	}
	if ok, _ := l.AllowMessage("10.0.0.1"); ok {
		t.Fatal("only one token should have refilled")
	}
}

func TestConnectionCount(t *testing.T) {
	l, _ := testLimiter()

	if !l.AddConn("10.0.0.1") || !l.AddConn("10.0.0.1") {
		t.Fatal("first two connections should be allowed")
	}
	if l.AddConn("10.0.0.1") {
		t.Fatal("3rd concurrent connection should be rejected")
	}

	l.RemoveConn("10.0.0.1")
	if !l.AddConn("10.0.0.1") {
		t.Fatal("slot should free after RemoveConn")
	}
}

func TestRemoveConnUnknownAddressIsNoop(t *testing.T) {
	l, _ := testLimiter()
	l.RemoveConn("10.0.0.9")
	if !l.AddConn("10.0.0.9") {
		t.Fatal("fresh address should be allowed")
	}
}

func TestPruneDropsIdleState(t *testing.T) {
	l, clock := testLimiter()

	l.AllowCreate("10.0.0.1")
	l.AllowMessage("10.0.0.1")
	clock.Advance(2 * time.Hour)
	l.Prune()

	l.mu.Lock()
	creates, msgs := len(l.creates), len(l.msgs)
	l.mu.Unlock()
	if creates != 0 {
		t.Errorf("creates map has %d entries after prune, want 0", creates)
	}
	if msgs != 0 {
		t.Errorf("msgs map has %d entries after prune, want 0", msgs)
	}
}

func TestReset(t *testing.T) {
	l, _ := testLimiter()

	for i := 0; i < 3; i++ {
		l.AllowCreate("10.0.0.1")
	}
	if ok, _ := l.AllowCreate("10.0.0.1"); ok {
		t.Fatal("should be rejected before reset")
	}

	l.Reset()
	if ok, _ := l.AllowCreate("10.0.0.1"); !ok {
		t.Fatal("should be allowed after reset")
	}
}

func TestRetrySeconds(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want int
	}{
		{0, 0},
		{-time.Second, 0},
		{time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{time.Minute, 60},
	}
	for _, tt := range tests {
		if got := RetrySeconds(tt.d); got != tt.want {
			t.Errorf("RetrySeconds(%v) = %d, want %d", tt.d, got, tt.want)
		}
	}
}
