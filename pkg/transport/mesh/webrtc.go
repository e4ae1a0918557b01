package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"collabmesh/pkg/protocol"
	"collabmesh/pkg/replica"
	"collabmesh/pkg/transport"
)

const dataChannelLabel = "collab"

// WebRTCProvider joins a room's peer mesh: it finds peers through signaling
// servers and exchanges document and presence updates over data channels.
type WebRTCProvider struct {
	opts      ProviderOptions
	peerID    string
	cipher    *roomCipher
	rtcConfig webrtc.Configuration
	dialer    *websocket.Dialer
	logger    *zap.Logger

	// NewBackOff is used for every signaling reconnect cycle.
	NewBackOff func() backoff.BackOff

	mu        sync.Mutex
	cancel    context.CancelFunc
	gen       uint64
	signalers map[string]chan []byte
	destroyed bool

	// Dispatcher-confined.
	statusListeners transport.Emitter[string]
	signaling       map[string]signalingState
	lastStatus      string
	peers           map[string]*peer
	unsubs          []func()
}

type peer struct {
	id         string
	pc         *webrtc.PeerConnection
	dc         *webrtc.DataChannel
	candidates []webrtc.ICECandidateInit
	clients    map[uint64]struct{}
	closed     bool
}

// NewWebRTCProvider is the default ProviderFactory.
func NewWebRTCProvider(opts ProviderOptions) (Provider, error) {
	if opts.Dispatcher == nil {
		return nil, &transport.ConfigurationError{Field: "dispatcher", Reason: "is required"}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = DefaultMaxConns
	}

	p := &WebRTCProvider{
		opts:      opts,
		peerID:    uuid.NewString(),
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:    opts.Logger,
		signalers: make(map[string]chan []byte),
		signaling: make(map[string]signalingState),
		peers:     make(map[string]*peer),
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
	if len(opts.ICEServers) > 0 {
		p.rtcConfig.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	if opts.Password != "" {
		c, err := newRoomCipher(opts.Password, opts.Room)
		if err != nil {
			return nil, err
		}
		p.cipher = c
	}
	p.unsubs = append(p.unsubs,
		opts.Doc.OnUpdate(p.onDocUpdate),
		opts.Awareness.OnUpdate(p.onAwarenessChange),
	)
	return p, nil
}

// PeerID is this replica's identity on the signaling topic.
func (p *WebRTCProvider) PeerID() string { return p.peerID }

func (p *WebRTCProvider) OnStatus(fn func(string)) func() {
	return p.statusListeners.Subscribe(fn)
}

func (p *WebRTCProvider) Connect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed || p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.gen++
	for _, url := range p.opts.SignalingURLs {
		go p.runSignaling(ctx, p.gen, url)
	}
}

// Disconnect leaves the mesh: signaling stops and every peer is closed.
// Must be called on the dispatcher.
func (p *WebRTCProvider) Disconnect() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
		p.gen++
		p.signalers = make(map[string]chan []byte)
	}
	p.mu.Unlock()

	p.signaling = make(map[string]signalingState)
	p.lastStatus = ""
	for _, pr := range p.peers {
		p.dropPeer(pr)
	}
}

func (p *WebRTCProvider) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.Disconnect()

	p.mu.Lock()
	p.destroyed = true
	p.mu.Unlock()

	for _, unsub := range p.unsubs {
		unsub()
	}
	p.unsubs = nil
	p.statusListeners.Clear()
}

func (p *WebRTCProvider) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.destroyed && p.gen == gen
}

// PeerCount reports connected or negotiating peers. Dispatcher only.
func (p *WebRTCProvider) PeerCount() int { return len(p.peers) }

func (p *WebRTCProvider) handlePeerMessage(msg protocol.PeerMessage) {
	if msg.From == "" || msg.From == p.peerID {
		return
	}
	if msg.To != "" && msg.To != p.peerID {
		return
	}

	switch msg.Type {
	case protocol.PeerAnnounce:
		if _, known := p.peers[msg.From]; known || len(p.peers) >= p.opts.MaxConns {
			return
		}
		// The lower id initiates; the other side answers a broadcast
		// announce with a direct one so the lower id learns about it.
		if p.peerID < msg.From {
			p.initiate(msg.From)
		} else if msg.To == "" {
			p.publish(protocol.PeerMessage{Type: protocol.PeerAnnounce, From: p.peerID, To: msg.From})
		}
	case protocol.PeerSignal:
		if msg.Signal == nil {
			return
		}
		p.handleSignal(msg.From, msg.Signal)
	}
}

func (p *WebRTCProvider) initiate(remoteID string) {
	pr, err := p.newPeer(remoteID)
	if err != nil {
		p.logger.Warn("Failed to create peer connection", zap.String("peer", remoteID), zap.Error(err))
		return
	}
	dc, err := pr.pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		p.logger.Warn("Failed to create data channel", zap.String("peer", remoteID), zap.Error(err))
		p.dropPeer(pr)
		return
	}
	p.attachDataChannel(pr, dc)

	offer, err := pr.pc.CreateOffer(nil)
	if err == nil {
		err = pr.pc.SetLocalDescription(offer)
	}
	if err != nil {
		p.logger.Warn("Failed to create offer", zap.String("peer", remoteID), zap.Error(err))
		p.dropPeer(pr)
		return
	}
	p.sendSignal(remoteID, &protocol.PeerSignalData{Type: offer.Type.String(), SDP: offer.SDP})
}

func (p *WebRTCProvider) handleSignal(remoteID string, sig *protocol.PeerSignalData) {
	pr, ok := p.peers[remoteID]
	if !ok {
		if sig.Type != webrtc.SDPTypeOffer.String() || len(p.peers) >= p.opts.MaxConns {
			return
		}
		var err error
		if pr, err = p.newPeer(remoteID); err != nil {
			p.logger.Warn("Failed to create peer connection", zap.String("peer", remoteID), zap.Error(err))
			return
		}
		pr.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			p.opts.Dispatcher.Dispatch(func() {
				if p.peers[remoteID] == pr {
					p.attachDataChannel(pr, dc)
				}
			})
		})
	}

	var err error
	switch sig.Type {
	case webrtc.SDPTypeOffer.String():
		err = p.acceptOffer(pr, sig.SDP)
	case webrtc.SDPTypeAnswer.String():
		err = pr.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP})
		if err == nil {
			p.flushCandidates(pr)
		}
	case "candidate":
		var candidate webrtc.ICECandidateInit
		if err = json.Unmarshal(sig.Candidate, &candidate); err != nil {
			break
		}
		if pr.pc.RemoteDescription() == nil {
			pr.candidates = append(pr.candidates, candidate)
			return
		}
		err = pr.pc.AddICECandidate(candidate)
	}
	if err != nil {
		p.logger.Warn("Signal handling failed", zap.String("peer", remoteID), zap.String("type", sig.Type), zap.Error(err))
	}
}

func (p *WebRTCProvider) acceptOffer(pr *peer, sdp string) error {
	if err := pr.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("set offer: %w", err)
	}
	p.flushCandidates(pr)
	answer, err := pr.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pr.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set answer: %w", err)
	}
	p.sendSignal(pr.id, &protocol.PeerSignalData{Type: answer.Type.String(), SDP: answer.SDP})
	return nil
}

func (p *WebRTCProvider) flushCandidates(pr *peer) {
	for _, c := range pr.candidates {
		if err := pr.pc.AddICECandidate(c); err != nil {
			p.logger.Debug("Dropping ICE candidate", zap.String("peer", pr.id), zap.Error(err))
		}
	}
	pr.candidates = nil
}

func (p *WebRTCProvider) sendSignal(to string, sig *protocol.PeerSignalData) {
	p.publish(protocol.PeerMessage{Type: protocol.PeerSignal, From: p.peerID, To: to, Signal: sig})
}

func (p *WebRTCProvider) newPeer(remoteID string) (*peer, error) {
	pc, err := webrtc.NewPeerConnection(p.rtcConfig)
	if err != nil {
		return nil, err
	}
	pr := &peer{id: remoteID, pc: pc, clients: make(map[uint64]struct{})}
	p.peers[remoteID] = pr

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		p.opts.Dispatcher.Dispatch(func() {
			if p.peers[remoteID] == pr {
				p.sendSignal(remoteID, &protocol.PeerSignalData{Type: "candidate", Candidate: raw})
			}
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.opts.Dispatcher.Dispatch(func() { p.dropPeer(pr) })
		case webrtc.PeerConnectionStateConnected:
			p.logger.Debug("Peer connected", zap.String("peer", remoteID))
		}
	})
	return pr, nil
}

func (p *WebRTCProvider) attachDataChannel(pr *peer, dc *webrtc.DataChannel) {
	pr.dc = dc
	dc.OnOpen(func() {
		p.opts.Dispatcher.Dispatch(func() {
			if p.peers[pr.id] == pr {
				p.greet(pr)
			}
		})
	})
	dc.OnClose(func() {
		p.opts.Dispatcher.Dispatch(func() { p.dropPeer(pr) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		env, err := protocol.DecodeEnvelope(msg.Data)
		if err != nil {
			return
		}
		p.opts.Dispatcher.Dispatch(func() {
			if p.peers[pr.id] == pr {
				p.handleEnvelope(pr, env)
			}
		})
	})
}

// greet sends our full state and every presence entry we know of.
func (p *WebRTCProvider) greet(pr *peer) {
	state, err := p.opts.Doc.EncodeState()
	if err != nil {
		p.logger.Warn("Failed to encode state", zap.Error(err))
		return
	}
	p.sendTo(pr, protocol.Envelope{Type: protocol.TypeSync, Payload: state})

	states := p.opts.Awareness.GetStates()
	clients := make([]uint64, 0, len(states))
	for id := range states {
		clients = append(clients, id)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	if payload, err := p.opts.Awareness.EncodeUpdate(clients); err == nil {
		p.sendTo(pr, protocol.Envelope{Type: protocol.TypeAwareness, Payload: payload, Clients: clients})
	}
}

func (p *WebRTCProvider) handleEnvelope(pr *peer, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeSync, protocol.TypeUpdate:
		if err := p.opts.Doc.ApplyUpdate(env.Payload, p); err != nil {
			p.logger.Warn("Failed to apply peer update", zap.String("peer", pr.id), zap.Error(err))
		}
	case protocol.TypeAwareness:
		if err := p.opts.Awareness.ApplyUpdate(env.Payload, p); err != nil {
			p.logger.Warn("Failed to apply peer awareness", zap.String("peer", pr.id), zap.Error(err))
			return
		}
		for _, id := range env.Clients {
			if id != p.opts.Awareness.ClientID() {
				pr.clients[id] = struct{}{}
			}
		}
	}
}

func (p *WebRTCProvider) dropPeer(pr *peer) {
	if pr.closed {
		return
	}
	pr.closed = true
	if p.peers[pr.id] == pr {
		delete(p.peers, pr.id)
	}
	go func() {
		if err := pr.pc.Close(); err != nil {
			p.logger.Debug("Peer close failed", zap.String("peer", pr.id), zap.Error(err))
		}
	}()

	if len(pr.clients) == 0 {
		return
	}
	ids := make([]uint64, 0, len(pr.clients))
	for id := range pr.clients {
		ids = append(ids, id)
	}
	p.opts.Awareness.RemoveStates(ids, p)
}

func (p *WebRTCProvider) sendTo(pr *peer, env protocol.Envelope) {
	if pr.dc == nil || pr.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	data, err := env.Encode()
	if err != nil {
		return
	}
	if err := pr.dc.Send(data); err != nil {
		p.logger.Debug("Peer send failed", zap.String("peer", pr.id), zap.Error(err))
	}
}

func (p *WebRTCProvider) broadcast(env protocol.Envelope) {
	for _, pr := range p.peers {
		p.sendTo(pr, env)
	}
}

func (p *WebRTCProvider) onDocUpdate(update []byte, origin any) {
	if origin == p {
		return
	}
	p.broadcast(protocol.Envelope{Type: protocol.TypeUpdate, Payload: update})
}

func (p *WebRTCProvider) onAwarenessChange(change replica.Change) {
	if change.Origin == p || len(p.peers) == 0 {
		return
	}
	clients := make([]uint64, 0, len(change.Added)+len(change.Updated)+len(change.Removed))
	clients = append(clients, change.Added...)
	clients = append(clients, change.Updated...)
	clients = append(clients, change.Removed...)
	payload, err := p.opts.Awareness.EncodeUpdate(clients)
	if err != nil {
		return
	}
	p.broadcast(protocol.Envelope{Type: protocol.TypeAwareness, Payload: payload, Clients: clients})
}
