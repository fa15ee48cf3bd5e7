package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"
	"rillcap/internal/infrastructure/repositories/storetest"
	"rillcap/pkg/blobstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T, dir string) *SQLiteSegmentStore {
	t.Helper()
	blobs, err := blobstore.NewFileStorage(filepath.Join(dir, "segments"))
	require.NoError(t, err)
	store, err := NewSQLiteSegmentStore(context.Background(), filepath.Join(dir, "rillcap.db"), blobs, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return store
}

func TestSQLiteSegmentStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ports.SegmentStore {
		store := newTestStore(t, t.TempDir())
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestSQLiteSegmentStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	now := time.Now()

	store := newTestStore(t, dir)
	sessionDir, err := store.SessionDirectory(ctx, "sess-durable")
	require.NoError(t, err)
	require.NoError(t, sessionDir.WriteSegment(ctx, storetest.NewSegment("sess-durable", "seg-1", now)))
	require.NoError(t, sessionDir.WriteSegment(ctx, storetest.NewSegment("sess-durable", "seg-2", now.Add(time.Millisecond))))
	_, err = store.Claim(ctx, domain.SegmentKey{SessionID: "sess-durable", LocalID: "seg-2"}, "worker-a", time.Minute, now)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened := newTestStore(t, dir)
	defer reopened.Close()

	sessions, err := reopened.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.SessionID{"sess-durable"}, sessions)

	keys, err := reopened.ListClaimable(ctx, now, 0)
	require.NoError(t, err)
	assert.Equal(t, []domain.SegmentKey{{SessionID: "sess-durable", LocalID: "seg-1"}}, keys)

	// the lease outlives the process, then expires
	keys, err = reopened.ListClaimable(ctx, now.Add(2*time.Minute), 0)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestSQLiteSegmentStore_PayloadLivesInSessionDirectory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := newTestStore(t, dir)
	defer store.Close()

	sessionDir, err := store.SessionDirectory(ctx, "sess-files")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "segments", "sess-files"), sessionDir.Path())

	require.NoError(t, sessionDir.WriteSegment(ctx, storetest.NewSegment("sess-files", "seg-1", time.Now())))

	blobs, err := blobstore.NewFileStorage(filepath.Join(dir, "segments"))
	require.NoError(t, err)
	files, err := blobs.List(ctx, "sess-files")
	require.NoError(t, err)
	assert.Equal(t, []string{"seg-1.seg"}, files)

	require.NoError(t, store.Remove(ctx, domain.SegmentKey{SessionID: "sess-files", LocalID: "seg-1"}))
	files, err = blobs.List(ctx, "sess-files")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestSQLiteSegmentStore_RejectsUnsafeIDs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, t.TempDir())
	defer store.Close()

	_, err := store.SessionDirectory(ctx, "../escape")
	assert.Error(t, err)

	sessionDir, err := store.SessionDirectory(ctx, "sess-ok")
	require.NoError(t, err)
	err = sessionDir.WriteSegment(ctx, storetest.NewSegment("sess-ok", "../../etc/passwd", time.Now()))
	assert.Error(t, err)
}
