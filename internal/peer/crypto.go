package peer

import (
	"bytes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Role fixes the direction of the key schedule: the session creator
// seals with the creator key, the joiner with the joiner key.
type Role int

const (
	RoleCreator Role = iota
	RoleJoiner
)

var (
	ErrChunkOutOfOrder = errors.New("peer: chunk out of sequence")
	ErrShortFrame      = errors.New("peer: sealed frame too short")
)

const (
	labelCreatorChunks = "beamdrop/1 creator chunks"
	labelJoinerChunks  = "beamdrop/1 joiner chunks"
	labelFingerprint   = "beamdrop/1 fingerprint"

	seqSize = 8
)

// newKeyPair generates the ephemeral X25519 key for one pairing.
func newKeyPair() (*ecdh.PrivateKey, error) {
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("peer: generate key: %w", err)
	}
	return key, nil
}

// sealer seals outbound chunks under a per-direction key. The nonce is
// a counter, so a sealer must never be shared across transfers.
type sealer struct {
	aead cipher.AEAD
	seq  uint64
}

func (s *sealer) seal(plain []byte) []byte {
	frame := make([]byte, seqSize, seqSize+len(plain)+s.aead.Overhead())
	binary.BigEndian.PutUint64(frame, s.seq)
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], s.seq)
	s.seq++
	return s.aead.Seal(frame, nonce[:], plain, frame[:seqSize])
}

// opener accepts chunks strictly in sequence; the data channel is
// ordered and reliable, so any gap means tampering or a software bug.
type opener struct {
	aead cipher.AEAD
	next uint64
}

func (o *opener) open(frame []byte) ([]byte, error) {
	if len(frame) < seqSize+o.aead.Overhead() {
		return nil, ErrShortFrame
	}
	seq := binary.BigEndian.Uint64(frame[:seqSize])
	if seq != o.next {
		return nil, ErrChunkOutOfOrder
	}
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], seq)
	plain, err := o.aead.Open(nil, nonce[:], frame[seqSize:], frame[:seqSize])
	if err != nil {
		return nil, fmt.Errorf("peer: open chunk %d: %w", seq, err)
	}
	o.next++
	return plain, nil
}

// Keys is the derived end-to-end state for one pairing: directional
// AEADs plus the fingerprint both ends display for out-of-band
// comparison.
type Keys struct {
	send        *sealer
	recv        *opener
	fingerprint string
}

// DeriveKeys runs X25519 against the remote public key and expands
// directional ChaCha20-Poly1305 keys with HKDF-SHA256. Both sides
// derive the same fingerprint; a mismatch means the exchange was
// intercepted.
func DeriveKeys(priv *ecdh.PrivateKey, remotePub []byte, role Role) (*Keys, error) {
	pub, err := ecdh.X25519().NewPublicKey(remotePub)
	if err != nil {
		return nil, fmt.Errorf("peer: remote public key: %w", err)
	}
	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("peer: key agreement: %w", err)
	}
	defer wipe(secret)

	salt := transcript(priv.PublicKey().Bytes(), remotePub)
	creatorAEAD, err := deriveAEAD(secret, salt, labelCreatorChunks)
	if err != nil {
		return nil, err
	}
	joinerAEAD, err := deriveAEAD(secret, salt, labelJoinerChunks)
	if err != nil {
		return nil, err
	}

	k := &Keys{fingerprint: fingerprint(salt)}
	switch role {
	case RoleCreator:
		k.send = &sealer{aead: creatorAEAD}
		k.recv = &opener{aead: joinerAEAD}
	default:
		k.send = &sealer{aead: joinerAEAD}
		k.recv = &opener{aead: creatorAEAD}
	}
	return k, nil
}

// Seal wraps one outbound chunk: an 8-byte sequence number followed by
// the AEAD ciphertext, the sequence bound as associated data.
func (k *Keys) Seal(plain []byte) []byte {
	return k.send.seal(plain)
}

// Open unwraps one inbound chunk, enforcing sequence order.
func (k *Keys) Open(frame []byte) ([]byte, error) {
	return k.recv.open(frame)
}

// Fingerprint is a short pairing code over both public keys, rendered
// as three groups of hex.
func (k *Keys) Fingerprint() string {
	return k.fingerprint
}

func deriveAEAD(secret, salt []byte, label string) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(label)), key); err != nil {
		return nil, fmt.Errorf("peer: derive %s: %w", label, err)
	}
	defer wipe(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("peer: aead: %w", err)
	}
	return aead, nil
}

// transcript orders the two public keys canonically so both sides feed
// HKDF identical input.
func transcript(a, b []byte) []byte {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func fingerprint(salt []byte) string {
	h := sha256.New()
	h.Write([]byte(labelFingerprint))
	h.Write(salt)
	enc := hex.EncodeToString(h.Sum(nil)[:6])
	return enc[0:4] + "-" + enc[4:8] + "-" + enc[8:12]
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
