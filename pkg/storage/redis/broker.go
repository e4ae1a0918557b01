package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"collabmesh/pkg/models"
	"collabmesh/pkg/storage"
)

const (
	StreamKeyRelay = "collab:relay:stream"
	// StreamMaxLen bounds the stream; consumers that fall further behind lose frames.
	StreamMaxLen = 10000
)

// Broker fans relay messages out through a Redis stream. Every relay reads
// the whole stream, so there is no consumer group.
type Broker struct {
	client *redis.Client
	logger *zap.Logger
	block  time.Duration
}

var _ storage.Broker = (*Broker)(nil)

// BrokerConfig holds Redis connection configuration
type BrokerConfig struct {
	Addr         string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
	// Block is how long one XREAD waits for new entries.
	Block time.Duration
}

func DefaultBrokerConfig(addr string) BrokerConfig {
	return BrokerConfig{
		Addr:         addr,
		PoolSize:     20,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		Block:        2 * time.Second,
	}
}

// NewBroker connects and pings Redis.
func NewBroker(cfg BrokerConfig, logger *zap.Logger) (*Broker, error) {
	// A blocking XREAD must outlive the read deadline.
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout + cfg.Block,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{client: client, logger: logger, block: cfg.Block}, nil
}

func (b *Broker) Close() error {
	return b.client.Close()
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Publish appends msg to the relay stream.
func (b *Broker) Publish(ctx context.Context, msg *models.RelayMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKeyRelay,
		MaxLen: StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload": payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}
	return nil
}

// Subscribe reads entries added after the call and hands each decoded
// message to handler until ctx is cancelled.
func (b *Broker) Subscribe(ctx context.Context, handler func(*models.RelayMessage)) error {
	lastID := "$"
	for {
		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{StreamKeyRelay, lastID},
			Count:   100,
			Block:   b.block,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				continue // Timeout, no new entries
			}
			b.logger.Warn("Stream read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				msg, err := decodeEntry(entry)
				if err != nil {
					b.logger.Warn("Dropping malformed relay entry", zap.String("id", entry.ID), zap.Error(err))
					continue
				}
				handler(msg)
			}
		}
	}
}

func decodeEntry(entry redis.XMessage) (*models.RelayMessage, error) {
	var raw []byte
	switch v := entry.Values["payload"].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return nil, fmt.Errorf("invalid payload type %T", v)
	}
	var msg models.RelayMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal failed: %w", err)
	}
	return &msg, nil
}
