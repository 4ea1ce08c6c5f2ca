// Package peer implements the WebRTC side of a beamdrop pairing: a
// peer connection negotiated through the signaling relay, and an
// end-to-end encrypted chunked file transfer over its data channel.
// The server only ever sees the opaque offer/answer/candidate
// payloads; keys are agreed directly between the two endpoints.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/beamdrop/beamdrop/internal/logging"
	"github.com/beamdrop/beamdrop/pkg/signaling"
)

var log = logging.L("peer")

const (
	dataChannelLabel = "beamdrop"
	defaultSTUN      = "stun:stun.l.google.com:19302"

	inboxSize = 64
)

// Config describes one side of a pairing. PeerID must be known before
// the endpoint is built; candidates relayed earlier would have no
// recipient.
type Config struct {
	Client      *signaling.Client
	Role        Role
	SessionID   string
	ClientID    string
	PeerID      string
	STUNServers []string
}

// Endpoint drives one peer connection. The creator opens the data
// channel and sends the offer; the joiner answers. Feed relayed
// envelopes through HandleSignal and collect the channel with
// OpenTransfer.
type Endpoint struct {
	pc     *webrtc.PeerConnection
	client *signaling.Client

	role      Role
	sessionID string
	clientID  string
	peerID    string

	mu      sync.Mutex
	pending []webrtc.ICECandidateInit

	dcReady chan *webrtc.DataChannel
	inbox   chan webrtc.DataChannelMessage
	done    chan struct{}

	closeOnce sync.Once
	failOnce  sync.Once
	failErr   error
	failed    chan struct{}
}

// NewEndpoint builds the peer connection and, on the creator side, its
// data channel. Negotiation starts when the creator calls Offer.
func NewEndpoint(cfg Config) (*Endpoint, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers(cfg.STUNServers),
	})
	if err != nil {
		return nil, fmt.Errorf("peer: create peer connection: %w", err)
	}

	e := &Endpoint{
		pc:        pc,
		client:    cfg.Client,
		role:      cfg.Role,
		sessionID: cfg.SessionID,
		clientID:  cfg.ClientID,
		peerID:    cfg.PeerID,
		dcReady:   make(chan *webrtc.DataChannel, 1),
		inbox:     make(chan webrtc.DataChannelMessage, inboxSize),
		done:      make(chan struct{}),
		failed:    make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		err := e.client.Relay(signaling.TypeICECandidate, e.sessionID, e.clientID, e.peerID, signaling.CandidatePayload{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
		if err != nil {
			log.Warn("candidate relay failed", "error", err)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("connection state changed", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed:
			e.fail(errors.New("peer: connection failed"))
		case webrtc.PeerConnectionStateClosed:
			e.fail(errors.New("peer: connection closed"))
		}
	})

	if cfg.Role == RoleCreator {
		ordered := true
		dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("peer: create data channel: %w", err)
		}
		e.bindChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != dataChannelLabel {
				log.Debug("ignoring unexpected data channel", "label", dc.Label())
				return
			}
			e.bindChannel(dc)
		})
	}
	return e, nil
}

// bindChannel registers the message handler before the channel opens
// so no early frame is lost.
func (e *Endpoint) bindChannel(dc *webrtc.DataChannel) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case e.inbox <- msg:
		case <-e.done:
		}
	})
	dc.OnOpen(func() {
		log.Debug("data channel open", "label", dc.Label())
		select {
		case e.dcReady <- dc:
		default:
		}
	})
}

// Offer starts negotiation from the creator side.
func (e *Endpoint) Offer() error {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("peer: create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("peer: set local description: %w", err)
	}
	return e.client.Relay(signaling.TypeOffer, e.sessionID, e.clientID, e.peerID, signaling.SDPPayload{
		Type: "offer",
		SDP:  offer.SDP,
	})
}

// HandleSignal applies one relayed envelope. Envelope types outside
// the negotiation set are ignored.
func (e *Endpoint) HandleSignal(env signaling.Envelope) error {
	switch env.Type {
	case signaling.TypeOffer:
		var p signaling.SDPPayload
		if err := env.DecodePayload(&p); err != nil {
			return fmt.Errorf("peer: decode offer: %w", err)
		}
		if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}); err != nil {
			return fmt.Errorf("peer: set remote offer: %w", err)
		}
		if err := e.flushCandidates(); err != nil {
			return err
		}
		answer, err := e.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("peer: create answer: %w", err)
		}
		if err := e.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("peer: set local description: %w", err)
		}
		return e.client.Relay(signaling.TypeAnswer, e.sessionID, e.clientID, e.peerID, signaling.SDPPayload{
			Type: "answer",
			SDP:  answer.SDP,
		})

	case signaling.TypeAnswer:
		var p signaling.SDPPayload
		if err := env.DecodePayload(&p); err != nil {
			return fmt.Errorf("peer: decode answer: %w", err)
		}
		if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}); err != nil {
			return fmt.Errorf("peer: set remote answer: %w", err)
		}
		return e.flushCandidates()

	case signaling.TypeICECandidate:
		var p signaling.CandidatePayload
		if err := env.DecodePayload(&p); err != nil {
			return fmt.Errorf("peer: decode candidate: %w", err)
		}
		init := webrtc.ICECandidateInit{
			Candidate:     p.Candidate,
			SDPMid:        p.SDPMid,
			SDPMLineIndex: p.SDPMLineIndex,
		}
		// Candidates can outrun the description they belong to;
		// hold them until the remote description lands.
		e.mu.Lock()
		if e.pc.RemoteDescription() == nil {
			e.pending = append(e.pending, init)
			e.mu.Unlock()
			return nil
		}
		e.mu.Unlock()
		if err := e.pc.AddICECandidate(init); err != nil {
			return fmt.Errorf("peer: add candidate: %w", err)
		}
		return nil
	}
	return nil
}

func (e *Endpoint) flushCandidates() error {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()
	for _, init := range pending {
		if err := e.pc.AddICECandidate(init); err != nil {
			return fmt.Errorf("peer: add held candidate: %w", err)
		}
	}
	return nil
}

// OpenTransfer waits for the data channel to open and binds a transfer
// endpoint to it.
func (e *Endpoint) OpenTransfer(ctx context.Context, opts TransferOptions) (*Transfer, error) {
	var dc *webrtc.DataChannel
	select {
	case dc = <-e.dcReady:
	case <-e.failed:
		return nil, e.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	tr, err := NewTransfer(dc, e.role, opts)
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			select {
			case msg := <-e.inbox:
				if err := tr.HandleMessage(msg.Data, msg.IsString); err != nil {
					log.Debug("transfer message rejected", "error", err)
				}
			case <-e.done:
				return
			}
		}
	}()
	if err := tr.Start(); err != nil {
		return nil, err
	}
	return tr, nil
}

// Failed reports connection failure; the channel closes when the peer
// connection reaches a terminal state.
func (e *Endpoint) Failed() <-chan struct{} {
	return e.failed
}

// Err returns the failure reason once Failed is closed.
func (e *Endpoint) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failErr
}

// Close tears down the peer connection. Safe to call more than once.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		err = e.pc.Close()
	})
	return err
}

func (e *Endpoint) fail(err error) {
	e.failOnce.Do(func() {
		e.mu.Lock()
		e.failErr = err
		e.mu.Unlock()
		close(e.failed)
	})
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		urls = []string{defaultSTUN}
	}
	return []webrtc.ICEServer{{URLs: urls}}
}
