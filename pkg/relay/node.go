package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"collabmesh/pkg/coordination"
	"collabmesh/pkg/metrics"
)

// NodeInfo is the value a relay registers under its node id.
type NodeInfo struct {
	Address  string `json:"address"`
	CPUs     int    `json:"cpus"`
	MemoryMB uint64 `json:"memoryMb"`
	Rooms    int    `json:"rooms"`
}

// Announcer keeps this relay registered with the coordinator. A lease lives
// for TTL seconds and is renewed every TTL/2.
type Announcer struct {
	nodeID   string
	address  string
	ttl      int
	coord    coordination.Coordinator
	hub      *Hub
	clock    clock.Clock
	logger   *zap.Logger
	memoryMB uint64
}

func NewAnnouncer(nodeID, address string, ttl int, coord coordination.Coordinator, hub *Hub, logger *zap.Logger) *Announcer {
	if ttl < 2 {
		ttl = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Announcer{
		nodeID:   nodeID,
		address:  address,
		ttl:      ttl,
		coord:    coord,
		hub:      hub,
		clock:    clock.New(),
		logger:   logger,
		memoryMB: detectTotalMemory(logger),
	}
}

func detectTotalMemory(logger *zap.Logger) uint64 {
	v, err := mem.VirtualMemory()
	if err != nil {
		logger.Warn("Failed to detect memory", zap.Error(err))
		return 0
	}
	return v.Total / 1024 / 1024
}

// Run registers immediately and then on every tick until ctx ends.
// Failed heartbeats are logged; the next tick retries.
func (a *Announcer) Run(ctx context.Context) error {
	ticker := a.clock.Ticker(time.Duration(a.ttl) * time.Second / 2)
	defer ticker.Stop()

	for {
		if err := a.Heartbeat(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("Heartbeat failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Heartbeat registers the node once.
func (a *Announcer) Heartbeat(ctx context.Context) error {
	info := NodeInfo{
		Address:  a.address,
		CPUs:     runtime.NumCPU(),
		MemoryMB: a.memoryMB,
	}
	if a.hub != nil {
		info.Rooms = len(a.hub.Rooms())
	}
	value, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := a.coord.RegisterNode(ctx, a.nodeID, string(value), a.ttl); err != nil {
		metrics.NodeHeartbeats.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to register node: %w", err)
	}
	metrics.NodeHeartbeats.WithLabelValues("ok").Inc()
	a.logger.Debug("Heartbeat sent", zap.String("node", a.nodeID), zap.Int("rooms", info.Rooms))
	return nil
}
