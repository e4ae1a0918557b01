// Package persistence keeps a local copy of a room's document in SQLite so a
// participant can open a room offline and resume where it left off.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"collabmesh/pkg/replica"
	"collabmesh/pkg/transport"
)

// DefaultCompactThreshold is how many update rows a room may accumulate
// before they are folded into a single state row.
const DefaultCompactThreshold = 500

const schema = `
CREATE TABLE IF NOT EXISTS updates (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	room       TEXT    NOT NULL,
	data       BLOB    NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS updates_room_id ON updates (room, id);
`

// Options configures a Cache.
type Options struct {
	Path string
	Room string
	Doc  replica.Doc

	// CompactThreshold defaults to DefaultCompactThreshold.
	CompactThreshold int

	Dispatcher transport.Dispatcher
	Logger     *zap.Logger
}

type job struct {
	data    []byte
	compact bool
}

// Cache mirrors every update of one document into SQLite and replays the
// stored updates into the document on open.
type Cache struct {
	db         *sql.DB
	room       string
	doc        replica.Doc
	dispatcher transport.Dispatcher
	logger     *zap.Logger
	threshold  int

	ready   chan struct{}
	loadErr error

	// rows is only touched on the dispatcher.
	rows  int
	unsub func()

	mu         sync.Mutex
	cond       *sync.Cond
	queue      []job
	closing    bool
	writeErr   error
	writerDone chan struct{}
	destroyed  bool
}

// Open opens (or creates) the cache file and starts loading the room into
// the document. The document is usable immediately; Ready closes once stored
// updates have been applied.
func Open(ctx context.Context, opts Options) (*Cache, error) {
	switch {
	case strings.TrimSpace(opts.Path) == "":
		return nil, &transport.ConfigurationError{Field: "path", Reason: "is required"}
	case opts.Room == "":
		return nil, &transport.ConfigurationError{Field: "room", Reason: "is required"}
	case opts.Doc == nil:
		return nil, &transport.ConfigurationError{Field: "doc", Reason: "is required"}
	}
	if opts.Dispatcher == nil {
		return nil, &transport.ConfigurationError{Field: "dispatcher", Reason: "is required"}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CompactThreshold <= 0 {
		opts.CompactThreshold = DefaultCompactThreshold
	}

	dsn := filepath.Clean(opts.Path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	c := &Cache{
		db:         db,
		room:       opts.Room,
		doc:        opts.Doc,
		dispatcher: opts.Dispatcher,
		logger:     opts.Logger.Named("cache").With(zap.String("room", opts.Room)),
		threshold:  opts.CompactThreshold,
		ready:      make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	c.unsub = c.doc.OnUpdate(c.onDocUpdate)

	go c.writeLoop()
	go c.load(ctx)
	return c, nil
}

// Ready closes once the stored state has been applied to the document.
func (c *Cache) Ready() <-chan struct{} { return c.ready }

// Err reports why loading failed. Only meaningful after Ready closes.
func (c *Cache) Err() error {
	select {
	case <-c.ready:
		return c.loadErr
	default:
		return nil
	}
}

func (c *Cache) load(ctx context.Context) {
	updates, err := c.readUpdates(ctx)
	if err != nil {
		c.loadErr = err
		c.logger.Warn("Failed to load cached document", zap.Error(err))
		close(c.ready)
		return
	}

	c.dispatcher.Dispatch(func() {
		defer close(c.ready)
		for i, u := range updates {
			if err := c.doc.ApplyUpdate(u, c); err != nil {
				c.loadErr = fmt.Errorf("apply cached update %d: %w", i, err)
				c.logger.Warn("Failed to apply cached update", zap.Error(err))
				return
			}
		}
		c.rows += len(updates)
		c.logger.Debug("Cached document loaded", zap.Int("updates", len(updates)))
	})
}

func (c *Cache) readUpdates(ctx context.Context) ([][]byte, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT data FROM updates WHERE room = ? ORDER BY id`, c.room)
	if err != nil {
		return nil, fmt.Errorf("query updates: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		out = append(out, data)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updates: %w", err)
	}
	return out, nil
}

func (c *Cache) onDocUpdate(update []byte, origin any) {
	if origin == c {
		return
	}
	c.rows++
	if c.rows <= c.threshold {
		c.enqueue(job{data: update})
		return
	}
	state, err := c.doc.EncodeState()
	if err != nil {
		c.logger.Warn("Failed to encode state for compaction", zap.Error(err))
		c.enqueue(job{data: update})
		return
	}
	c.rows = 1
	c.enqueue(job{data: state, compact: true})
}

func (c *Cache) enqueue(j job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return
	}
	c.queue = append(c.queue, j)
	c.cond.Signal()
}

func (c *Cache) writeLoop() {
	defer close(c.writerDone)
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closing {
			c.cond.Wait()
		}
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		jobs := c.queue
		c.queue = nil
		c.mu.Unlock()

		for _, j := range jobs {
			if err := c.write(j); err != nil {
				c.logger.Warn("Failed to persist update", zap.Bool("compact", j.compact), zap.Error(err))
				c.mu.Lock()
				c.writeErr = multierr.Append(c.writeErr, err)
				c.mu.Unlock()
			}
		}
	}
}

func (c *Cache) write(j job) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	now := time.Now().UnixMilli()

	if !j.compact {
		_, err := c.db.ExecContext(ctx,
			`INSERT INTO updates (room, data, created_at) VALUES (?, ?, ?)`, c.room, j.data, now)
		if err != nil {
			return fmt.Errorf("insert update: %w", err)
		}
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin compaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM updates WHERE room = ?`, c.room); err != nil {
		return multierr.Append(fmt.Errorf("clear updates: %w", err), tx.Rollback())
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO updates (room, data, created_at) VALUES (?, ?, ?)`, c.room, j.data, now); err != nil {
		return multierr.Append(fmt.Errorf("insert state: %w", err), tx.Rollback())
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit compaction: %w", err)
	}
	c.logger.Debug("Compacted cached updates")
	return nil
}

// Destroy stops mirroring, flushes pending writes and closes the file.
// The document itself is left alone.
func (c *Cache) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	c.mu.Unlock()

	c.unsub()

	c.mu.Lock()
	c.closing = true
	c.cond.Broadcast()
	c.mu.Unlock()
	<-c.writerDone

	c.mu.Lock()
	err := c.writeErr
	c.mu.Unlock()
	return multierr.Append(err, c.db.Close())
}
