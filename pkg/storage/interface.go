package storage

import (
	"context"
	"errors"
	"time"

	"collabmesh/pkg/models"
)

var (
	ErrNotFound = errors.New("record not found")
)

// DocumentStore persists the latest state of every room.
type DocumentStore interface {
	// LoadDocument returns ErrNotFound for a room that was never stored.
	LoadDocument(ctx context.Context, room string) (*models.Document, error)

	// StoreDocument replaces the room's state and bumps its version.
	StoreDocument(ctx context.Context, room string, state []byte) error

	// ListDocuments returns metadata, most recently updated first.
	ListDocuments(ctx context.Context, limit, offset int) ([]models.DocumentInfo, error)

	// ListUpdatedSince returns full documents changed after since, oldest first.
	ListUpdatedSince(ctx context.Context, since time.Time, limit int) ([]models.Document, error)
}

// SnapshotStore archives point-in-time copies of room state.
type SnapshotStore interface {
	// Store saves state and returns a reference to it.
	Store(ctx context.Context, room string, state []byte) (string, error)
	// Retrieve fetches a snapshot by reference.
	Retrieve(ctx context.Context, reference string) ([]byte, error)
}

// Broker fans relay messages out to every other relay instance.
type Broker interface {
	Publish(ctx context.Context, msg *models.RelayMessage) error

	// Subscribe delivers messages published after the call until ctx ends.
	Subscribe(ctx context.Context, handler func(*models.RelayMessage)) error

	Close() error
}
