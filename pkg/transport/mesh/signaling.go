package mesh

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabmesh/pkg/protocol"
)

const (
	signalingPingInterval = 30 * time.Second
	signalingWriteWait    = 10 * time.Second
	signalingBuffer       = 64
)

type signalingState int

const (
	signalingDown signalingState = iota
	signalingDialing
	signalingUp
)

// runSignaling keeps one signaling server connection alive until ctx ends.
func (p *WebRTCProvider) runSignaling(ctx context.Context, gen uint64, url string) {
	for {
		conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
			p.reportSignaling(gen, url, signalingDialing)
			conn, _, err := p.dialer.DialContext(ctx, url, nil)
			if err != nil {
				p.reportSignaling(gen, url, signalingDown)
				return nil, err
			}
			return conn, nil
		},
			backoff.WithBackOff(p.NewBackOff()),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				p.logger.Debug("Signaling dial failed", zap.String("url", url), zap.Error(err), zap.Duration("retry_in", next))
			}),
		)
		if err != nil {
			return
		}

		err = p.signalingSession(ctx, gen, url, conn)
		p.reportSignaling(gen, url, signalingDown)
		if ctx.Err() != nil {
			return
		}
		p.logger.Info("Signaling connection lost", zap.String("url", url), zap.Error(err))
	}
}

func (p *WebRTCProvider) signalingSession(ctx context.Context, gen uint64, url string, conn *websocket.Conn) error {
	defer conn.Close()

	out := make(chan []byte, signalingBuffer)
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return ctx.Err()
	}
	p.signalers[url] = out
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.signalers[url] == out {
			delete(p.signalers, url)
		}
		p.mu.Unlock()
	}()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessionCtx.Done()
		_ = conn.Close()
	}()
	go p.signalingWriter(sessionCtx, conn, out)

	subscribe, err := json.Marshal(protocol.SignalMessage{Type: protocol.SignalSubscribe, Topics: []string{p.opts.Room}})
	if err != nil {
		return err
	}
	out <- subscribe
	if frame, err := p.encodePublish(protocol.PeerMessage{Type: protocol.PeerAnnounce, From: p.peerID}); err == nil {
		out <- frame
	}
	p.reportSignaling(gen, url, signalingUp)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg protocol.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != protocol.SignalPublish || msg.Topic != p.opts.Room {
			continue
		}
		peerMsg, err := p.decodePublish(msg.Data)
		if err != nil {
			p.logger.Debug("Dropping signaling payload", zap.Error(err))
			continue
		}
		p.opts.Dispatcher.Dispatch(func() {
			if p.current(gen) {
				p.handlePeerMessage(peerMsg)
			}
		})
	}
}

func (p *WebRTCProvider) signalingWriter(ctx context.Context, conn *websocket.Conn, out <-chan []byte) {
	ping, _ := json.Marshal(protocol.SignalMessage{Type: protocol.SignalPing})
	ticker := time.NewTicker(signalingPingInterval)
	defer ticker.Stop()
	for {
		var data []byte
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data = ping
		case data = <-out:
		}
		_ = conn.SetWriteDeadline(time.Now().Add(signalingWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			_ = conn.Close()
			return
		}
	}
}

// reportSignaling folds per-server state into the provider status: any
// server up is connected, any dialing is connecting, otherwise disconnected.
func (p *WebRTCProvider) reportSignaling(gen uint64, url string, state signalingState) {
	p.opts.Dispatcher.Dispatch(func() {
		if !p.current(gen) {
			return
		}
		p.signaling[url] = state
		status := "disconnected"
		for _, s := range p.signaling {
			if s == signalingUp {
				status = "connected"
				break
			}
			if s == signalingDialing {
				status = "connecting"
			}
		}
		if status != p.lastStatus {
			p.lastStatus = status
			p.statusListeners.Emit(status)
		}
	})
}

func (p *WebRTCProvider) encodePublish(msg protocol.PeerMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if p.cipher != nil {
		if data, err = p.cipher.seal(data); err != nil {
			return nil, err
		}
	}
	return json.Marshal(protocol.SignalMessage{Type: protocol.SignalPublish, Topic: p.opts.Room, Data: data})
}

func (p *WebRTCProvider) decodePublish(data json.RawMessage) (protocol.PeerMessage, error) {
	var msg protocol.PeerMessage
	if p.cipher != nil {
		plain, err := p.cipher.open(data)
		if err != nil {
			return msg, err
		}
		data = plain
	}
	err := json.Unmarshal(data, &msg)
	return msg, err
}

// publish sends msg through every connected signaling server.
func (p *WebRTCProvider) publish(msg protocol.PeerMessage) {
	frame, err := p.encodePublish(msg)
	if err != nil {
		p.logger.Error("Failed to encode signaling message", zap.Error(err))
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, out := range p.signalers {
		select {
		case out <- frame:
		default:
			p.logger.Warn("Signaling buffer full", zap.String("url", url))
		}
	}
}
