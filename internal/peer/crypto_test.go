package peer

import (
	"bytes"
	"errors"
	"regexp"
	"testing"
)

var fingerprintRe = regexp.MustCompile(`^[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}$`)

// newTestKeys runs a full key agreement and returns both derived sides.
func newTestKeys(t *testing.T) (*Keys, *Keys) {
	t.Helper()
	creator, err := newKeyPair()
	if err != nil {
		t.Fatalf("creator key: %v", err)
	}
	joiner, err := newKeyPair()
	if err != nil {
		t.Fatalf("joiner key: %v", err)
	}
	ck, err := DeriveKeys(creator, joiner.PublicKey().Bytes(), RoleCreator)
	if err != nil {
		t.Fatalf("derive creator keys: %v", err)
	}
	jk, err := DeriveKeys(joiner, creator.PublicKey().Bytes(), RoleJoiner)
	if err != nil {
		t.Fatalf("derive joiner keys: %v", err)
	}
	return ck, jk
}

func TestDeriveKeysAgree(t *testing.T) {
	ck, jk := newTestKeys(t)

	if ck.Fingerprint() != jk.Fingerprint() {
		t.Fatalf("fingerprints differ: %q vs %q", ck.Fingerprint(), jk.Fingerprint())
	}
	if !fingerprintRe.MatchString(ck.Fingerprint()) {
		t.Fatalf("fingerprint %q does not match expected format", ck.Fingerprint())
	}

	plain := []byte("from creator")
	got, err := jk.Open(ck.Seal(plain))
	if err != nil {
		t.Fatalf("joiner open: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("joiner got %q, want %q", got, plain)
	}

	plain = []byte("from joiner")
	got, err = ck.Open(jk.Seal(plain))
	if err != nil {
		t.Fatalf("creator open: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("creator got %q, want %q", got, plain)
	}
}

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	a, _ := newKeyPair()
	b, _ := newKeyPair()
	ab := transcript(a.PublicKey().Bytes(), b.PublicKey().Bytes())
	ba := transcript(b.PublicKey().Bytes(), a.PublicKey().Bytes())
	if !bytes.Equal(ab, ba) {
		t.Fatal("transcript depends on argument order")
	}
}

func TestOpenEnforcesSequence(t *testing.T) {
	ck, jk := newTestKeys(t)

	frames := make([][]byte, 3)
	for i := range frames {
		frames[i] = ck.Seal([]byte{byte(i)})
	}

	if _, err := jk.Open(frames[1]); !errors.Is(err, ErrChunkOutOfOrder) {
		t.Fatalf("skipped frame: got %v, want %v", err, ErrChunkOutOfOrder)
	}
	if _, err := jk.Open(frames[0]); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if _, err := jk.Open(frames[0]); !errors.Is(err, ErrChunkOutOfOrder) {
		t.Fatalf("replayed frame: got %v, want %v", err, ErrChunkOutOfOrder)
	}
	if _, err := jk.Open(frames[1]); err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if _, err := jk.Open(frames[2]); err != nil {
		t.Fatalf("third frame: %v", err)
	}
}

func TestOpenRejectsTamperedFrame(t *testing.T) {
	ck, jk := newTestKeys(t)

	frame := ck.Seal([]byte("sensitive bytes"))
	frame[len(frame)-1] ^= 0x01
	if _, err := jk.Open(frame); err == nil {
		t.Fatal("tampered ciphertext accepted")
	}
}

func TestOpenRejectsShortFrame(t *testing.T) {
	_, jk := newTestKeys(t)
	if _, err := jk.Open([]byte{1, 2, 3}); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("got %v, want %v", err, ErrShortFrame)
	}
}

func TestDirectionalKeysDiffer(t *testing.T) {
	ck, _ := newTestKeys(t)

	// A frame sealed for the creator-to-joiner direction must not
	// open with the creator's own receive key.
	if _, err := ck.Open(ck.Seal([]byte("looped back"))); err == nil {
		t.Fatal("frame opened with the wrong directional key")
	}
}

func TestDeriveKeysRejectsBadPublicKey(t *testing.T) {
	priv, err := newKeyPair()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if _, err := DeriveKeys(priv, []byte("too short"), RoleCreator); err == nil {
		t.Fatal("malformed public key accepted")
	}
}
