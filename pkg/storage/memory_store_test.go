package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabmesh/pkg/storage"
)

func TestMemoryDocumentStore_LoadMissing(t *testing.T) {
	s := storage.NewMemoryDocumentStore()
	_, err := s.LoadDocument(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemoryDocumentStore_StoreBumpsVersion(t *testing.T) {
	s := storage.NewMemoryDocumentStore()
	ctx := context.Background()

	require.NoError(t, s.StoreDocument(ctx, "room-a", []byte{1, 2, 3}))
	doc, err := s.LoadDocument(ctx, "room-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
	assert.Equal(t, 3, doc.Size)

	require.NoError(t, s.StoreDocument(ctx, "room-a", []byte{9}))
	doc, err = s.LoadDocument(ctx, "room-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Version)
	assert.Equal(t, []byte{9}, doc.State)

	doc.State[0] = 7
	again, _ := s.LoadDocument(ctx, "room-a")
	assert.Equal(t, []byte{9}, again.State, "loaded documents are copies")
}

func TestMemoryDocumentStore_Listings(t *testing.T) {
	s := storage.NewMemoryDocumentStore()
	ctx := context.Background()

	require.NoError(t, s.StoreDocument(ctx, "first", []byte("a")))
	time.Sleep(2 * time.Millisecond)
	mark := time.Now()
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.StoreDocument(ctx, "second", []byte("bb")))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.StoreDocument(ctx, "third", []byte("ccc")))

	infos, err := s.ListDocuments(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "third", infos[0].Room)
	assert.Equal(t, "second", infos[1].Room)

	infos, err = s.ListDocuments(ctx, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, infos)

	docs, err := s.ListUpdatedSince(ctx, mark, 0)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "second", docs[0].Room)
	assert.Equal(t, "third", docs[1].Room)
}
