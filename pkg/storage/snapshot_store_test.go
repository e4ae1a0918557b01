package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSnapshotStore_StoreAndRetrieve(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalSnapshotStore(dir)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2024, 3, 9, 10, 11, 12, 0, time.UTC) }

	ref, err := s.Store(context.Background(), "team/standup", []byte("state"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "team_standup", "2024", "03", "09", "101112.000000000.bin"), ref)

	data, err := s.Retrieve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), data)
}

func TestLocalSnapshotStore_RetrieveOutsideBase(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalSnapshotStore(filepath.Join(dir, "snapshots"))
	require.NoError(t, err)

	outside := filepath.Join(dir, "secret")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0644))

	_, err = s.Retrieve(context.Background(), outside)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Retrieve(context.Background(), filepath.Join(dir, "snapshots", "missing.bin"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotKeys(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)
	key := snapshotKey("snapshots", "../up", at)
	assert.True(t, strings.HasPrefix(key, "snapshots/__up/2024/01/02/"), key)
	assert.NotContains(t, key, "..")

	assert.Equal(t, "a/b.bin", extractKey("s3://bucket/a/b.bin"))
	assert.Equal(t, "plain/key", extractKey("plain/key"))
}
