package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabmesh/pkg/protocol"
	"collabmesh/pkg/replica"
	"collabmesh/pkg/transport"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// WebsocketProvider speaks the relay protocol over a gorilla websocket and
// reconnects with exponential backoff until Disconnect.
type WebsocketProvider struct {
	opts   ProviderOptions
	dialer *websocket.Dialer
	logger *zap.Logger

	// NewBackOff is used for every reconnect cycle.
	NewBackOff func() backoff.BackOff

	mu        sync.Mutex
	cancel    context.CancelFunc
	gen       uint64
	out       chan []byte
	destroyed bool

	// Dispatcher-confined.
	statusListeners transport.Emitter[string]
	syncedListeners transport.Signal
	remoteClients   map[uint64]struct{}
	unsubs          []func()
}

// NewWebsocketProvider is the default ProviderFactory.
func NewWebsocketProvider(opts ProviderOptions) (Provider, error) {
	if opts.Dispatcher == nil {
		return nil, &transport.ConfigurationError{Field: "dispatcher", Reason: "is required"}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	p := &WebsocketProvider{
		opts:          opts,
		dialer:        &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:        opts.Logger,
		remoteClients: make(map[uint64]struct{}),
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
	p.unsubs = append(p.unsubs,
		opts.Doc.OnUpdate(p.onDocUpdate),
		opts.Awareness.OnUpdate(p.onAwarenessChange),
	)
	return p, nil
}

func (p *WebsocketProvider) OnStatus(fn func(string)) func() {
	return p.statusListeners.Subscribe(fn)
}

func (p *WebsocketProvider) OnSynced(fn func()) func() {
	return p.syncedListeners.SubscribeFunc(fn)
}

func (p *WebsocketProvider) Connect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed || p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.gen++
	go p.run(ctx, p.gen)
}

func (p *WebsocketProvider) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *WebsocketProvider) stopLocked() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.cancel = nil
	p.gen++
	p.out = nil
}

func (p *WebsocketProvider) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.stopLocked()
	p.mu.Unlock()

	for _, unsub := range p.unsubs {
		unsub()
	}
	p.unsubs = nil
	p.statusListeners.Clear()
	p.syncedListeners.Clear()
}

// emit delivers status to listeners unless the session has been superseded.
func (p *WebsocketProvider) emit(gen uint64, status string) {
	p.opts.Dispatcher.Dispatch(func() {
		if p.current(gen) {
			p.statusListeners.Emit(status)
		}
	})
}

func (p *WebsocketProvider) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.destroyed && p.gen == gen
}

func (p *WebsocketProvider) run(ctx context.Context, gen uint64) {
	for {
		conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
			p.emit(gen, "connecting")
			conn, resp, err := p.dialer.DialContext(ctx, p.opts.ServerURL, nil)
			if err != nil {
				if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
					return nil, backoff.RetryAfter(5)
				}
				p.emit(gen, "disconnected")
				return nil, err
			}
			return conn, nil
		},
			backoff.WithBackOff(p.NewBackOff()),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				p.logger.Warn("Relay dial failed", zap.Error(err), zap.Duration("retry_in", next))
			}),
		)
		if err != nil {
			return
		}

		err = p.session(ctx, gen, conn)
		p.clearRemoteAwareness()
		if ctx.Err() != nil {
			return
		}
		p.logger.Info("Relay connection lost", zap.Error(err))
		if errors.Is(err, errServerRejected) {
			p.emit(gen, "error")
		} else {
			p.emit(gen, "disconnected")
		}
	}
}

var errServerRejected = errors.New("relay rejected session")

func (p *WebsocketProvider) session(ctx context.Context, gen uint64, conn *websocket.Conn) error {
	defer conn.Close()

	out := make(chan []byte, sendBufferSize)
	defer func() {
		p.mu.Lock()
		if p.out == out {
			p.out = nil
		}
		p.mu.Unlock()
	}()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessionCtx.Done()
		_ = conn.Close()
	}()
	go p.writeLoop(sessionCtx, conn, out)

	if err := p.handshake(sessionCtx, gen, out); err != nil {
		return err
	}
	p.emit(gen, "connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			p.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}
		if err := p.handle(gen, env); err != nil {
			return err
		}
	}
}

// handshake queues the join frame followed by our full document state and
// local presence, then publishes out for live updates. Both happen in one
// dispatcher turn so nothing reaches out ahead of join.
func (p *WebsocketProvider) handshake(ctx context.Context, gen uint64, out chan []byte) error {
	done := make(chan error, 1)
	p.opts.Dispatcher.Dispatch(func() {
		state, err := p.opts.Doc.EncodeState()
		if err != nil {
			done <- fmt.Errorf("encode state: %w", err)
			return
		}
		presence, err := p.opts.Awareness.EncodeUpdate([]uint64{p.opts.Awareness.ClientID()})
		if err != nil {
			done <- fmt.Errorf("encode awareness: %w", err)
			return
		}
		for _, env := range []protocol.Envelope{
			{Type: protocol.TypeJoin, Room: p.opts.Room, Token: p.opts.Token, ClientID: p.opts.Doc.ClientID()},
			{Type: protocol.TypeSync, Payload: state},
			{Type: protocol.TypeAwareness, Payload: presence},
		} {
			data, err := env.Encode()
			if err != nil {
				done <- err
				return
			}
			out <- data
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.destroyed || p.gen != gen {
			done <- context.Canceled
			return
		}
		p.out = out
		done <- nil
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WebsocketProvider) handle(gen uint64, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeSync, protocol.TypeUpdate:
		p.opts.Dispatcher.Dispatch(func() {
			if err := p.opts.Doc.ApplyUpdate(env.Payload, p); err != nil {
				p.logger.Warn("Failed to apply update", zap.Error(err))
			}
		})
	case protocol.TypeAwareness:
		p.opts.Dispatcher.Dispatch(func() {
			if err := p.opts.Awareness.ApplyUpdate(env.Payload, p); err != nil {
				p.logger.Warn("Failed to apply awareness", zap.Error(err))
				return
			}
			for _, id := range env.Clients {
				if id != p.opts.Awareness.ClientID() {
					p.remoteClients[id] = struct{}{}
				}
			}
		})
	case protocol.TypeAwarenessRemove:
		p.opts.Dispatcher.Dispatch(func() {
			self := p.opts.Awareness.ClientID()
			ids := make([]uint64, 0, len(env.Clients))
			for _, id := range env.Clients {
				if id != self {
					delete(p.remoteClients, id)
					ids = append(ids, id)
				}
			}
			p.opts.Awareness.RemoveStates(ids, p)
		})
	case protocol.TypeSynced:
		p.opts.Dispatcher.Dispatch(func() {
			if p.current(gen) {
				p.syncedListeners.Fire()
			}
		})
	case protocol.TypeError:
		p.logger.Warn("Relay reported error", zap.String("error", env.Error))
		return fmt.Errorf("%w: %s", errServerRejected, env.Error)
	}
	return nil
}

func (p *WebsocketProvider) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.logger.Debug("Relay write failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func (p *WebsocketProvider) send(env protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		p.logger.Error("Failed to encode frame", zap.Error(err))
		return
	}
	p.mu.Lock()
	out := p.out
	p.mu.Unlock()
	if out == nil {
		return
	}
	select {
	case out <- data:
	default:
		// The full state is resent on reconnect.
		p.logger.Warn("Relay send buffer full, dropping frame", zap.String("type", string(env.Type)))
	}
}

func (p *WebsocketProvider) onDocUpdate(update []byte, origin any) {
	if origin == p {
		return
	}
	p.send(protocol.Envelope{Type: protocol.TypeUpdate, Payload: update})
}

func (p *WebsocketProvider) onAwarenessChange(change replica.Change) {
	if change.Origin == p {
		return
	}
	clients := make([]uint64, 0, len(change.Added)+len(change.Updated)+len(change.Removed))
	clients = append(clients, change.Added...)
	clients = append(clients, change.Updated...)
	clients = append(clients, change.Removed...)
	payload, err := p.opts.Awareness.EncodeUpdate(clients)
	if err != nil {
		p.logger.Error("Failed to encode awareness", zap.Error(err))
		return
	}
	p.send(protocol.Envelope{Type: protocol.TypeAwareness, Payload: payload, Clients: clients})
}

// clearRemoteAwareness drops presence learned over the lost connection.
func (p *WebsocketProvider) clearRemoteAwareness() {
	p.opts.Dispatcher.Dispatch(func() {
		if len(p.remoteClients) == 0 {
			return
		}
		ids := make([]uint64, 0, len(p.remoteClients))
		for id := range p.remoteClients {
			ids = append(ids, id)
		}
		p.remoteClients = make(map[uint64]struct{})
		p.opts.Awareness.RemoveStates(ids, p)
	})
}
