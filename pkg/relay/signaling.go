package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabmesh/pkg/metrics"
	"collabmesh/pkg/protocol"
)

const maxSignalFrame = 64 << 10

// SignalingHub is a topic pub/sub server for mesh peers. Publish frames go
// to every subscriber of the topic, the sender included, with the receiver
// count filled in.
type SignalingHub struct {
	logger     *zap.Logger
	pingPeriod time.Duration
	upgrader   websocket.Upgrader

	mu     sync.Mutex
	topics map[string]map[*signalConn]struct{}
	conns  map[*signalConn]struct{}
	wg     sync.WaitGroup
}

type signalConn struct {
	*wsConn
	topics map[string]struct{} // guarded by SignalingHub.mu
}

func NewSignalingHub(pingPeriod time.Duration, logger *zap.Logger) *SignalingHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pingPeriod <= 0 {
		pingPeriod = 30 * time.Second
	}
	return &SignalingHub{
		logger:     logger,
		pingPeriod: pingPeriod,
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		topics:     make(map[string]map[*signalConn]struct{}),
		conns:      make(map[*signalConn]struct{}),
	}
}

func (s *SignalingHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	sc := &signalConn{wsConn: newWSConn(conn, s.logger), topics: make(map[string]struct{})}

	s.mu.Lock()
	s.conns[sc] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sc.writePump(s.pingPeriod)
	}()
	defer func() {
		s.drop(sc)
		sc.close()
		<-done
	}()

	sc.keepAlive(s.pingPeriod, maxSignalFrame)
	for {
		data, err := sc.readFrame()
		if err != nil {
			return
		}
		var msg protocol.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		s.handle(sc, msg)
	}
}

func (s *SignalingHub) handle(sc *signalConn, msg protocol.SignalMessage) {
	switch msg.Type {
	case protocol.SignalSubscribe:
		s.mu.Lock()
		for _, topic := range msg.Topics {
			if topic == "" {
				continue
			}
			subs := s.topics[topic]
			if subs == nil {
				subs = make(map[*signalConn]struct{})
				s.topics[topic] = subs
			}
			subs[sc] = struct{}{}
			sc.topics[topic] = struct{}{}
		}
		metrics.SignalingTopics.Set(float64(len(s.topics)))
		s.mu.Unlock()
	case protocol.SignalUnsubscribe:
		s.mu.Lock()
		for _, topic := range msg.Topics {
			s.unsubscribeLocked(sc, topic)
		}
		metrics.SignalingTopics.Set(float64(len(s.topics)))
		s.mu.Unlock()
	case protocol.SignalPublish:
		if msg.Topic == "" {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.topics[msg.Topic]
		if len(subs) == 0 {
			return
		}
		msg.Clients = len(subs)
		data, err := json.Marshal(msg)
		if err != nil {
			return
		}
		for sub := range subs {
			sub.send(data)
		}
	case protocol.SignalPing:
		data, _ := json.Marshal(protocol.SignalMessage{Type: protocol.SignalPong})
		sc.send(data)
	}
}

func (s *SignalingHub) unsubscribeLocked(sc *signalConn, topic string) {
	delete(sc.topics, topic)
	subs := s.topics[topic]
	if subs == nil {
		return
	}
	delete(subs, sc)
	if len(subs) == 0 {
		delete(s.topics, topic)
	}
}

func (s *SignalingHub) drop(sc *signalConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic := range sc.topics {
		s.unsubscribeLocked(sc, topic)
	}
	delete(s.conns, sc)
	metrics.SignalingTopics.Set(float64(len(s.topics)))
}

// Topics reports subscriber counts per topic.
func (s *SignalingHub) Topics() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.topics))
	for topic, subs := range s.topics {
		out[topic] = len(subs)
	}
	return out
}

// Close disconnects every peer and waits for their handlers to return.
func (s *SignalingHub) Close() {
	s.mu.Lock()
	for sc := range s.conns {
		sc.close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
