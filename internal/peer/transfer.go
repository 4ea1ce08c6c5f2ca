package peer

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	// ChunkSize is the plaintext size of one sealed frame.
	ChunkSize = 64 * 1024

	// maxFileBytes bounds a single transfer.
	maxFileBytes = 2 << 30

	// Sending pauses above maxBuffered and resumes once the data
	// channel drains past resumeThreshold.
	maxBuffered     = 1 << 20
	resumeThreshold = 512 * 1024
)

const (
	msgHello  = "hello"
	msgMeta   = "meta"
	msgAccept = "accept"
	msgDone   = "done"
	msgError  = "error"
)

var (
	ErrTransferClosed = errors.New("peer: transfer closed")
	ErrFileExists     = errors.New("peer: destination file already exists")
)

// DataChannel is the subset of the WebRTC data channel the transfer
// protocol drives. *webrtc.DataChannel satisfies it.
type DataChannel interface {
	SendText(s string) error
	Send(data []byte) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
}

// controlMessage is the JSON frame for everything except file chunks.
type controlMessage struct {
	Type       string `json:"type"`
	Key        string `json:"key,omitempty"`
	TransferID string `json:"transferId,omitempty"`
	Name       string `json:"name,omitempty"`
	Size       int64  `json:"size,omitempty"`
	ChunkSize  int    `json:"chunkSize,omitempty"`
	Digest     string `json:"digest,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Received describes a finished inbound transfer.
type Received struct {
	Name string
	Path string
	Size int64
}

// TransferOptions configure one transfer endpoint. The callbacks run on
// the channel's message goroutine and must not block: OnFingerprint
// fires once keys are derived with the pairing code to show the user,
// OnProgress reports transferred bytes against the total.
type TransferOptions struct {
	ReceiveDir    string
	OnFingerprint func(code string)
	OnProgress    func(done, total int64)
}

// Transfer runs the encrypted file protocol over one data channel.
// Each side sends a hello carrying its ephemeral public key as soon as
// the channel opens; chunks flow only after both hellos have been
// seen. Control messages are JSON text frames, chunks are sealed
// binary frames.
type Transfer struct {
	ch   DataChannel
	role Role
	dir  string

	priv *ecdh.PrivateKey

	mu       sync.Mutex
	keys     *Keys
	incoming *incomingFile
	err      error
	failOnce sync.Once

	keysReady chan struct{}
	acceptCh  chan controlMessage
	doneCh    chan controlMessage
	complete  chan Received
	failed    chan struct{}
	sendLow   chan struct{}

	onFingerprint func(code string)
	onProgress    func(done, total int64)
}

type incomingFile struct {
	id       string
	name     string
	size     int64
	received int64
	file     *os.File
	digest   hash.Hash
}

// NewTransfer prepares a transfer endpoint for an open data channel.
// ReceiveDir is where inbound files land; it may be empty on a side
// that only sends.
func NewTransfer(ch DataChannel, role Role, opts TransferOptions) (*Transfer, error) {
	priv, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	t := &Transfer{
		ch:            ch,
		role:          role,
		dir:           opts.ReceiveDir,
		priv:          priv,
		keysReady:     make(chan struct{}),
		acceptCh:      make(chan controlMessage, 1),
		doneCh:        make(chan controlMessage, 1),
		complete:      make(chan Received, 1),
		failed:        make(chan struct{}),
		sendLow:       make(chan struct{}, 1),
		onFingerprint: opts.OnFingerprint,
		onProgress:    opts.OnProgress,
	}
	ch.SetBufferedAmountLowThreshold(resumeThreshold)
	ch.OnBufferedAmountLow(func() {
		select {
		case t.sendLow <- struct{}{}:
		default:
		}
	})
	return t, nil
}

// Start sends the key-exchange hello. Call once the channel is open.
func (t *Transfer) Start() error {
	pub := base64.StdEncoding.EncodeToString(t.priv.PublicKey().Bytes())
	return t.sendControl(controlMessage{Type: msgHello, Key: pub})
}

// Fingerprint blocks until the pairing code is available.
func (t *Transfer) Fingerprint(ctx context.Context) (string, error) {
	select {
	case <-t.keysReady:
	case <-t.failed:
		return "", t.failure()
	case <-ctx.Done():
		return "", ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.keys.Fingerprint(), nil
}

// SendFile streams one file to the remote side and returns once the
// receiver has confirmed the digest.
func (t *Transfer) SendFile(ctx context.Context, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("peer: open %s: %w", path, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("peer: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("peer: %s is a directory", path)
	}
	if info.Size() > maxFileBytes {
		return fmt.Errorf("peer: %s exceeds the %d byte transfer limit", path, int64(maxFileBytes))
	}

	select {
	case <-t.keysReady:
	case <-t.failed:
		return t.failure()
	case <-ctx.Done():
		return ctx.Err()
	}

	id := transferID()
	meta := controlMessage{
		Type:       msgMeta,
		TransferID: id,
		Name:       filepath.Base(path),
		Size:       info.Size(),
		ChunkSize:  ChunkSize,
	}
	if err := t.sendControl(meta); err != nil {
		return err
	}
	select {
	case msg := <-t.acceptCh:
		if msg.TransferID != id {
			return t.failLocal(fmt.Errorf("peer: accept for unknown transfer %s", msg.TransferID))
		}
	case <-t.failed:
		return t.failure()
	case <-ctx.Done():
		return ctx.Err()
	}

	t.mu.Lock()
	keys := t.keys
	t.mu.Unlock()

	digest := sha256.New()
	buf := make([]byte, ChunkSize)
	var sent int64
	for {
		n, rerr := file.Read(buf)
		if n > 0 {
			digest.Write(buf[:n])
			if err := t.waitForQueue(ctx); err != nil {
				return err
			}
			if err := t.ch.Send(keys.Seal(buf[:n])); err != nil {
				return t.failLocal(fmt.Errorf("peer: send chunk: %w", err))
			}
			sent += int64(n)
			t.progress(sent, info.Size())
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return t.failLocal(fmt.Errorf("peer: read %s: %w", path, rerr))
		}
	}

	sum := hex.EncodeToString(digest.Sum(nil))
	if err := t.sendControl(controlMessage{Type: msgDone, TransferID: id, Digest: sum}); err != nil {
		return err
	}
	select {
	case msg := <-t.doneCh:
		if msg.TransferID != id {
			return t.failLocal(fmt.Errorf("peer: confirmation for unknown transfer %s", msg.TransferID))
		}
		return nil
	case <-t.failed:
		return t.failure()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until one inbound transfer completes.
func (t *Transfer) Receive(ctx context.Context) (Received, error) {
	select {
	case rec := <-t.complete:
		return rec, nil
	case <-t.failed:
		return Received{}, t.failure()
	case <-ctx.Done():
		return Received{}, ctx.Err()
	}
}

// HandleMessage feeds one data channel message into the protocol.
// Wire it to the channel's OnMessage callback.
func (t *Transfer) HandleMessage(data []byte, isString bool) error {
	if !isString {
		return t.handleChunk(data)
	}
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return t.failLocal(fmt.Errorf("peer: malformed control message: %w", err))
	}
	switch msg.Type {
	case msgHello:
		return t.handleHello(msg)
	case msgMeta:
		return t.handleMeta(msg)
	case msgAccept:
		return t.deliver(t.acceptCh, msg)
	case msgDone:
		return t.handleDone(msg)
	case msgError:
		t.fail(fmt.Errorf("peer: remote error: %s", msg.Message), false)
		return nil
	default:
		return t.failLocal(fmt.Errorf("peer: unknown control message %q", msg.Type))
	}
}

// Close aborts any transfer in flight.
func (t *Transfer) Close() error {
	t.fail(ErrTransferClosed, false)
	return nil
}

func (t *Transfer) handleHello(msg controlMessage) error {
	raw, err := base64.StdEncoding.DecodeString(msg.Key)
	if err != nil {
		return t.failLocal(fmt.Errorf("peer: malformed public key: %w", err))
	}
	t.mu.Lock()
	if t.keys != nil {
		t.mu.Unlock()
		return t.failLocal(errors.New("peer: duplicate hello"))
	}
	keys, err := DeriveKeys(t.priv, raw, t.role)
	if err != nil {
		t.mu.Unlock()
		return t.failLocal(err)
	}
	t.keys = keys
	t.mu.Unlock()
	close(t.keysReady)
	if t.onFingerprint != nil {
		t.onFingerprint(keys.Fingerprint())
	}
	return nil
}

func (t *Transfer) handleMeta(msg controlMessage) error {
	t.mu.Lock()
	ready := t.keys != nil
	active := t.incoming != nil
	t.mu.Unlock()
	if !ready {
		return t.failLocal(errors.New("peer: meta before key exchange"))
	}
	if active {
		return t.failLocal(errors.New("peer: transfer already in progress"))
	}
	name, err := sanitizeName(msg.Name)
	if err != nil {
		return t.failLocal(err)
	}
	if msg.Size < 0 || msg.Size > maxFileBytes {
		return t.failLocal(fmt.Errorf("peer: invalid transfer size %d", msg.Size))
	}
	if t.dir == "" {
		return t.failLocal(errors.New("peer: no receive directory configured"))
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return t.failLocal(fmt.Errorf("peer: create receive directory: %w", err))
	}
	if _, err := os.Stat(filepath.Join(t.dir, name)); err == nil {
		return t.failLocal(fmt.Errorf("%w: %s", ErrFileExists, name))
	}
	file, err := os.CreateTemp(t.dir, ".beamdrop-*")
	if err != nil {
		return t.failLocal(fmt.Errorf("peer: create temp file: %w", err))
	}
	t.mu.Lock()
	t.incoming = &incomingFile{
		id:     msg.TransferID,
		name:   name,
		size:   msg.Size,
		file:   file,
		digest: sha256.New(),
	}
	t.mu.Unlock()
	return t.sendControl(controlMessage{Type: msgAccept, TransferID: msg.TransferID})
}

func (t *Transfer) handleChunk(frame []byte) error {
	t.mu.Lock()
	keys := t.keys
	in := t.incoming
	t.mu.Unlock()
	if keys == nil || in == nil {
		return t.failLocal(errors.New("peer: chunk outside a transfer"))
	}
	plain, err := keys.Open(frame)
	if err != nil {
		return t.failLocal(err)
	}
	if in.received+int64(len(plain)) > in.size {
		return t.failLocal(fmt.Errorf("peer: transfer overruns declared size %d", in.size))
	}
	if _, err := in.file.Write(plain); err != nil {
		return t.failLocal(fmt.Errorf("peer: write chunk: %w", err))
	}
	in.digest.Write(plain)
	in.received += int64(len(plain))
	t.progress(in.received, in.size)
	return nil
}

func (t *Transfer) handleDone(msg controlMessage) error {
	t.mu.Lock()
	in := t.incoming
	t.mu.Unlock()
	if in == nil {
		// The sender's view of a finished transfer; hand it to
		// the goroutine blocked in SendFile.
		return t.deliver(t.doneCh, msg)
	}
	if msg.TransferID != in.id {
		return t.failLocal(fmt.Errorf("peer: done for unknown transfer %s", msg.TransferID))
	}
	if in.received != in.size {
		return t.failLocal(fmt.Errorf("peer: transfer truncated at %d of %d bytes", in.received, in.size))
	}
	sum := hex.EncodeToString(in.digest.Sum(nil))
	if sum != msg.Digest {
		return t.failLocal(errors.New("peer: digest mismatch"))
	}
	if err := in.file.Close(); err != nil {
		return t.failLocal(fmt.Errorf("peer: close temp file: %w", err))
	}
	target := filepath.Join(t.dir, in.name)
	if err := os.Rename(in.file.Name(), target); err != nil {
		return t.failLocal(fmt.Errorf("peer: finalize %s: %w", in.name, err))
	}
	t.mu.Lock()
	t.incoming = nil
	t.mu.Unlock()
	if err := t.sendControl(controlMessage{Type: msgDone, TransferID: msg.TransferID}); err != nil {
		return err
	}
	select {
	case t.complete <- Received{Name: in.name, Path: target, Size: in.size}:
	default:
	}
	return nil
}

func (t *Transfer) waitForQueue(ctx context.Context) error {
	for t.ch.BufferedAmount() > maxBuffered {
		select {
		case <-t.sendLow:
		case <-t.failed:
			return t.failure()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (t *Transfer) deliver(ch chan controlMessage, msg controlMessage) error {
	select {
	case ch <- msg:
		return nil
	default:
		return t.failLocal(fmt.Errorf("peer: unexpected %s message", msg.Type))
	}
}

func (t *Transfer) sendControl(msg controlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("peer: encode control message: %w", err)
	}
	if err := t.ch.SendText(string(data)); err != nil {
		return t.failLocal(fmt.Errorf("peer: send control message: %w", err))
	}
	return nil
}

// failLocal records a local failure and reports it to the remote side.
func (t *Transfer) failLocal(err error) error {
	t.fail(err, true)
	return err
}

func (t *Transfer) fail(err error, notifyRemote bool) {
	t.failOnce.Do(func() {
		t.mu.Lock()
		t.err = err
		in := t.incoming
		t.incoming = nil
		t.mu.Unlock()
		if in != nil {
			in.file.Close()
			os.Remove(in.file.Name())
		}
		if notifyRemote {
			if data, merr := json.Marshal(controlMessage{Type: msgError, Message: err.Error()}); merr == nil {
				t.ch.SendText(string(data))
			}
		}
		close(t.failed)
	})
}

func (t *Transfer) failure() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		return ErrTransferClosed
	}
	return t.err
}

func (t *Transfer) progress(done, total int64) {
	if t.onProgress != nil {
		t.onProgress(done, total)
	}
}

// sanitizeName rejects anything that could escape the receive
// directory: path separators, traversal, hidden files.
func sanitizeName(name string) (string, error) {
	if name == "" {
		return "", errors.New("peer: empty file name")
	}
	base := filepath.Base(name)
	if base != name || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("peer: file name %q contains path elements", name)
	}
	if base == "." || base == ".." || strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("peer: file name %q not allowed", name)
	}
	return base, nil
}

func transferID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("peer: read random: %v", err))
	}
	return hex.EncodeToString(b)
}
