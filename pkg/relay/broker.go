package relay

import (
	"context"
	"errors"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"collabmesh/pkg/metrics"
	"collabmesh/pkg/models"
	"collabmesh/pkg/protocol"
	"collabmesh/pkg/storage"
)

const (
	fanoutQueueSize = 1024
	dedupeCacheSize = 4096
)

// fanout forwards room frames to other relay instances and applies theirs.
// Brokers may redeliver, so message ids are remembered in an LRU.
type fanout struct {
	hub    *Hub
	broker storage.Broker
	seen   *lru.Cache[string, struct{}]
	queue  chan *models.RelayMessage
	logger *zap.Logger
}

func newFanout(h *Hub, b storage.Broker) *fanout {
	seen, _ := lru.New[string, struct{}](dedupeCacheSize)
	return &fanout{
		hub:    h,
		broker: b,
		seen:   seen,
		queue:  make(chan *models.RelayMessage, fanoutQueueSize),
		logger: h.logger.Named("fanout"),
	}
}

// publish queues a locally originated frame for the broker.
func (h *Hub) publish(room string, typ protocol.MessageType, payload []byte, ids []uint64) {
	if h.fanout == nil {
		return
	}
	h.fanout.enqueue(&models.RelayMessage{
		ID:      uuid.NewString(),
		Origin:  h.cfg.NodeID,
		Room:    room,
		Type:    string(typ),
		Payload: payload,
		Clients: ids,
		SentAt:  h.clock.Now(),
	})
}

func (f *fanout) enqueue(msg *models.RelayMessage) {
	f.seen.Add(msg.ID, struct{}{})
	select {
	case f.queue <- msg:
	default:
		f.logger.Warn("Broker queue full, dropping frame", zap.String("room", msg.Room), zap.String("type", msg.Type))
	}
}

func (f *fanout) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg := <-f.queue:
				if err := f.broker.Publish(ctx, msg); err != nil {
					f.logger.Warn("Broker publish failed", zap.Error(err))
					continue
				}
				metrics.BrokerMessages.WithLabelValues("out").Inc()
			}
		}
	})
	g.Go(func() error {
		err := f.broker.Subscribe(ctx, f.deliver)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

func (f *fanout) deliver(msg *models.RelayMessage) {
	if msg.Origin == f.hub.cfg.NodeID {
		return
	}
	if seen, _ := f.seen.ContainsOrAdd(msg.ID, struct{}{}); seen {
		return
	}
	metrics.BrokerMessages.WithLabelValues("in").Inc()

	// Rooms not loaded here catch up from the store when they load.
	r := f.hub.lookup(msg.Room)
	if r == nil {
		return
	}
	if err := r.applyRemote(protocol.MessageType(msg.Type), msg.Payload, msg.Clients); err != nil {
		f.logger.Warn("Failed to apply forwarded frame", zap.String("room", msg.Room), zap.Error(err))
	}
}
