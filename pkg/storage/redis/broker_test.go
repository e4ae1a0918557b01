package redis_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"collabmesh/pkg/models"
	"collabmesh/pkg/storage/redis"
)

// BrokerSuite runs against a live Redis. It skips when
// SKIP_INTEGRATION_TESTS=true or Redis is unreachable.
type BrokerSuite struct {
	suite.Suite
	addr string
}

func TestBrokerSuite(t *testing.T) {
	suite.Run(t, new(BrokerSuite))
}

func (s *BrokerSuite) SetupSuite() {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		s.T().Skip("Skipping integration tests (SKIP_INTEGRATION_TESTS=true)")
	}
	s.addr = fmt.Sprintf("%s:%s", getEnv("TEST_REDIS_HOST", "localhost"), getEnv("TEST_REDIS_PORT", "6379"))

	b, err := s.newBroker()
	if err != nil {
		s.T().Skipf("Skipping integration tests: %v", err)
	}
	b.Close()
}

func (s *BrokerSuite) newBroker() (*redis.Broker, error) {
	cfg := redis.DefaultBrokerConfig(s.addr)
	cfg.Block = 200 * time.Millisecond
	return redis.NewBroker(cfg, nil)
}

func (s *BrokerSuite) TestPublishReachesSubscribers() {
	pub, err := s.newBroker()
	s.Require().NoError(err)
	defer pub.Close()
	sub, err := s.newBroker()
	s.Require().NoError(err)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *models.RelayMessage, 16)
	done := make(chan error, 1)
	go func() {
		done <- sub.Subscribe(ctx, func(msg *models.RelayMessage) { received <- msg })
	}()

	msg := &models.RelayMessage{
		ID:      uuid.NewString(),
		Origin:  "node-a",
		Room:    "standup",
		Type:    "update",
		Payload: []byte{1, 2, 3},
		SentAt:  time.Now().UTC().Truncate(time.Millisecond),
	}

	// The subscriber reads from "$", so keep publishing until it is listening.
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case got := <-received:
			if got.ID != msg.ID {
				continue
			}
			s.Equal(msg.Origin, got.Origin)
			s.Equal(msg.Room, got.Room)
			s.Equal(msg.Payload, got.Payload)
			s.True(msg.SentAt.Equal(got.SentAt))
			cancel()
			s.ErrorIs(<-done, context.Canceled)
			return
		case <-ticker.C:
			s.Require().NoError(pub.Publish(context.Background(), msg))
		case <-deadline:
			s.FailNow("message not received")
		}
	}
}

func (s *BrokerSuite) TestPing() {
	b, err := s.newBroker()
	s.Require().NoError(err)
	defer b.Close()
	s.NoError(b.Ping(context.Background()))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
