// Package webrtc implements the peer transport capability on pion
// data channels. The channel is deliberately unordered and unreliable:
// latency matters more than delivery, and the protocol layer tolerates
// both loss and reordering.
package webrtc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	pion "github.com/pion/webrtc/v4"

	"github.com/jamsync/server/internal/peer"
)

const dataChannelLabel = "jam"

const (
	blobTypeOffer     = "offer"
	blobTypeAnswer    = "answer"
	blobTypeCandidate = "candidate"
)

// signalBlob is the opaque payload exchanged through the signaling
// relay. Only the two transports at either end interpret it.
type signalBlob struct {
	Type      string                   `json:"type"`
	SDP       *pion.SessionDescription `json:"sdp,omitempty"`
	Candidate *pion.ICECandidateInit   `json:"candidate,omitempty"`
}

type FactoryConfig struct {
	// ICEServers are STUN/TURN urls. Empty falls back to a public STUN
	// server.
	ICEServers []string
}

type Factory struct {
	config pion.Configuration
	logger *slog.Logger
}

func NewFactory(cfg FactoryConfig, logger *slog.Logger) *Factory {
	urls := cfg.ICEServers
	if len(urls) == 0 {
		urls = []string{"stun:stun.l.google.com:19302"}
	}

	servers := make([]pion.ICEServer, 0, len(urls))
	for _, url := range urls {
		servers = append(servers, pion.ICEServer{URLs: []string{url}})
	}

	return &Factory{
		config: pion.Configuration{ICEServers: servers},
		logger: logger,
	}
}

// Create builds a transport handshaking with peerId. The initiator opens
// the data channel and sends the offer; the other side answers.
func (f *Factory) Create(peerId string, isInitiator bool, ev peer.TransportEvents) (peer.Transport, error) {
	pc, err := pion.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &transport{
		peerId: peerId,
		pc:     pc,
		ev:     ev,
		logger: f.logger,
	}

	pc.OnICECandidate(func(candidate *pion.ICECandidate) {
		if candidate == nil {
			return
		}

		init := candidate.ToJSON()
		t.emitSignal(&signalBlob{Type: blobTypeCandidate, Candidate: &init})
	})

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		f.logger.Debug("webrtc state changed", "peer_id", peerId, "state", state.String())

		switch state {
		case pion.PeerConnectionStateFailed, pion.PeerConnectionStateClosed:
			t.notifyClosed()
		}
	})

	if isInitiator {
		// Unordered, zero retransmits: a late note is worthless, see
		// the staleness rule in the dedup guard.
		ordered := false
		maxRetransmits := uint16(0)
		dc, err := pc.CreateDataChannel(dataChannelLabel, &pion.DataChannelInit{
			Ordered:        &ordered,
			MaxRetransmits: &maxRetransmits,
		})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create data channel: %w", err)
		}
		t.bindDataChannel(dc)

		offer, err := pc.CreateOffer(nil)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create offer: %w", err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to set local description: %w", err)
		}

		t.emitSignal(&signalBlob{Type: blobTypeOffer, SDP: &offer})
	} else {
		pc.OnDataChannel(func(dc *pion.DataChannel) {
			t.bindDataChannel(dc)
		})
	}

	return t, nil
}

type transport struct {
	peerId string
	pc     *pion.PeerConnection
	ev     peer.TransportEvents
	logger *slog.Logger

	mu         sync.Mutex
	dc         *pion.DataChannel
	closed     bool
	closeNoted bool
}

func (t *transport) bindDataChannel(dc *pion.DataChannel) {
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	dc.OnOpen(func() {
		if t.ev.OnConnect != nil {
			t.ev.OnConnect()
		}
	})
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		if t.ev.OnData != nil {
			t.ev.OnData(msg.Data)
		}
	})
	dc.OnClose(func() {
		t.notifyClosed()
	})
}

func (t *transport) emitSignal(blob *signalBlob) {
	data, err := json.Marshal(blob)
	if err != nil {
		t.logger.Warn("failed to marshal signal blob", "peer_id", t.peerId, "error", err)
		return
	}

	if t.ev.OnSignal != nil {
		t.ev.OnSignal(data)
	}
}

func (t *transport) notifyClosed() {
	t.mu.Lock()
	if t.closeNoted {
		t.mu.Unlock()
		return
	}
	t.closeNoted = true
	t.mu.Unlock()

	if t.ev.OnClose != nil {
		t.ev.OnClose()
	}
}

func (t *transport) Signal(rawBlob []byte) error {
	var blob signalBlob
	if err := json.Unmarshal(rawBlob, &blob); err != nil {
		return fmt.Errorf("failed to decode signal blob: %w", err)
	}

	switch blob.Type {
	case blobTypeOffer:
		if blob.SDP == nil {
			return fmt.Errorf("offer blob is missing sdp")
		}
		if err := t.pc.SetRemoteDescription(*blob.SDP); err != nil {
			return fmt.Errorf("failed to set remote offer: %w", err)
		}

		answer, err := t.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("failed to create answer: %w", err)
		}
		if err := t.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("failed to set local description: %w", err)
		}

		t.emitSignal(&signalBlob{Type: blobTypeAnswer, SDP: &answer})
		return nil

	case blobTypeAnswer:
		if blob.SDP == nil {
			return fmt.Errorf("answer blob is missing sdp")
		}
		if err := t.pc.SetRemoteDescription(*blob.SDP); err != nil {
			return fmt.Errorf("failed to set remote answer: %w", err)
		}
		return nil

	case blobTypeCandidate:
		if blob.Candidate == nil {
			return fmt.Errorf("candidate blob is missing candidate")
		}
		if err := t.pc.AddICECandidate(*blob.Candidate); err != nil {
			return fmt.Errorf("failed to add ice candidate: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown signal blob type: %s", blob.Type)
	}
}

func (t *transport) Send(data []byte) error {
	t.mu.Lock()
	dc := t.dc
	closed := t.closed
	t.mu.Unlock()

	if closed || dc == nil || dc.ReadyState() != pion.DataChannelStateOpen {
		return fmt.Errorf("data channel is not open")
	}

	if err := dc.Send(data); err != nil {
		return fmt.Errorf("failed to send on data channel: %w", err)
	}

	return nil
}

func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if err := t.pc.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}

	return nil
}
