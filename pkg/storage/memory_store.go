package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabmesh/pkg/models"
)

// MemoryDocumentStore keeps documents in process memory. It backs a relay
// started without a database and the relay tests.
type MemoryDocumentStore struct {
	mu   sync.RWMutex
	docs map[string]*models.Document
	now  func() time.Time
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{docs: make(map[string]*models.Document), now: time.Now}
}

var _ DocumentStore = (*MemoryDocumentStore)(nil)

func (s *MemoryDocumentStore) LoadDocument(_ context.Context, room string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[room]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDocument(d), nil
}

func (s *MemoryDocumentStore) StoreDocument(_ context.Context, room string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	d, ok := s.docs[room]
	if !ok {
		d = &models.Document{ID: uuid.New(), Room: room, CreatedAt: now}
		s.docs[room] = d
	} else {
		d.Version++
	}
	if d.Version == 0 {
		d.Version = 1
	}
	d.State = append([]byte(nil), state...)
	d.Size = len(state)
	d.UpdatedAt = now
	return nil
}

func (s *MemoryDocumentStore) ListDocuments(_ context.Context, limit, offset int) ([]models.DocumentInfo, error) {
	s.mu.RLock()
	infos := make([]models.DocumentInfo, 0, len(s.docs))
	for _, d := range s.docs {
		infos = append(infos, d.Info())
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].UpdatedAt.After(infos[j].UpdatedAt) })
	if offset >= len(infos) {
		return []models.DocumentInfo{}, nil
	}
	infos = infos[offset:]
	if limit > 0 && limit < len(infos) {
		infos = infos[:limit]
	}
	return infos, nil
}

func (s *MemoryDocumentStore) ListUpdatedSince(_ context.Context, since time.Time, limit int) ([]models.Document, error) {
	s.mu.RLock()
	var out []models.Document
	for _, d := range s.docs {
		if d.UpdatedAt.After(since) {
			out = append(out, *copyDocument(d))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func copyDocument(d *models.Document) *models.Document {
	c := *d
	c.State = append([]byte(nil), d.State...)
	return &c
}
