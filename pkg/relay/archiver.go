package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"collabmesh/pkg/coordination"
	"collabmesh/pkg/metrics"
	"collabmesh/pkg/storage"
)

// ElectionName is the campaign relay instances hold to become the archiver.
const ElectionName = "archiver"

const archivePageSize = 100

// ArchiverConfig configures an Archiver.
type ArchiverConfig struct {
	NodeID string
	// Schedule is a cron spec, e.g. "@every 5m" or "*/10 * * * *".
	Schedule string
}

// Archiver copies recently updated documents to the snapshot store. Only
// the instance holding the archiver election archives.
type Archiver struct {
	cfg       ArchiverConfig
	documents storage.DocumentStore
	snapshots storage.SnapshotStore
	election  coordination.Election
	clock     clock.Clock
	logger    *zap.Logger

	mu      sync.Mutex
	since   time.Time
	lastRun time.Time
	leader  bool
}

func NewArchiver(cfg ArchiverConfig, documents storage.DocumentStore, snapshots storage.SnapshotStore, election coordination.Election, logger *zap.Logger) *Archiver {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5m"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		cfg:       cfg,
		documents: documents,
		snapshots: snapshots,
		election:  election,
		clock:     clock.New(),
		logger:    logger,
	}
}

// Run campaigns for the archiver election and archives on schedule once it
// wins. It blocks until ctx is cancelled, then resigns.
func (a *Archiver) Run(ctx context.Context) error {
	schedule, err := cron.ParseStandard(a.cfg.Schedule)
	if err != nil {
		return fmt.Errorf("invalid archive schedule %q: %w", a.cfg.Schedule, err)
	}

	a.logger.Info("Campaigning for archiver leadership", zap.String("node_id", a.cfg.NodeID))
	if err := a.election.Campaign(ctx, a.cfg.NodeID); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("campaign failed: %w", err)
	}
	a.setLeader(true)
	a.logger.Info("Elected archiver leader", zap.String("node_id", a.cfg.NodeID))

	c := cron.New()
	c.Schedule(schedule, cron.FuncJob(func() {
		if _, err := a.RunOnce(ctx); err != nil {
			a.logger.Error("Archive run failed", zap.Error(err))
		}
	}))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	a.setLeader(false)

	resignCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.election.Resign(resignCtx); err != nil {
		a.logger.Warn("Failed to resign archiver leadership", zap.Error(err))
	}
	a.logger.Info("Archiver stopped")
	return nil
}

// RunOnce archives every document updated since the previous run and
// returns how many were archived. It does nothing unless this node leads.
func (a *Archiver) RunOnce(ctx context.Context) (int, error) {
	leader, err := a.election.Leader(ctx)
	if errors.Is(err, coordination.ErrNoLeader) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check leadership: %w", err)
	}
	if leader != a.cfg.NodeID {
		a.logger.Debug("Not the archiver leader, skipping", zap.String("leader", leader))
		return 0, nil
	}

	a.mu.Lock()
	since := a.since
	a.mu.Unlock()

	metrics.ArchiveRuns.Inc()
	archived := 0
	for {
		docs, err := a.documents.ListUpdatedSince(ctx, since, archivePageSize)
		if err != nil {
			return archived, fmt.Errorf("failed to list documents: %w", err)
		}
		for _, doc := range docs {
			ref, err := a.snapshots.Store(ctx, doc.Room, doc.State)
			if err != nil {
				// The next run retries from here.
				a.advance(since)
				return archived, fmt.Errorf("failed to archive %s: %w", doc.Room, err)
			}
			archived++
			since = doc.UpdatedAt
			metrics.SnapshotsArchived.Inc()
			a.logger.Debug("Archived document", zap.String("room", doc.Room), zap.String("ref", ref))
		}
		if len(docs) < archivePageSize {
			break
		}
	}
	a.advance(since)

	if archived > 0 {
		a.logger.Info("Archived documents", zap.Int("count", archived))
	}
	return archived, nil
}

func (a *Archiver) advance(since time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.since = since
	a.lastRun = a.clock.Now()
}

func (a *Archiver) setLeader(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leader = v
}

// ArchiverStatus is reported by the cluster endpoints.
type ArchiverStatus struct {
	Leader  bool      `json:"leader"`
	Since   time.Time `json:"since"`
	LastRun time.Time `json:"lastRun"`
}

func (a *Archiver) Status() ArchiverStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ArchiverStatus{Leader: a.leader, Since: a.since, LastRun: a.lastRun}
}
