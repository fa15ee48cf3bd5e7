// Package storetest holds the behavioural tests every SegmentStore backend must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. Cleanup is the factory's responsibility.
type Factory func(t *testing.T) ports.SegmentStore

// NewSegment builds a finalized PENDING segment with a recognisable payload.
func NewSegment(session domain.SessionID, id domain.LocalSegmentID, createdAt time.Time) *domain.Segment {
	return &domain.Segment{
		SessionID:     session,
		LocalID:       id,
		Video:         []byte(fmt.Sprintf("webm-payload-%s-%s", session, id)),
		ContentType:   "video/webm",
		StartOffsetMs: 1000,
		EndOffsetMs:   6000,
		InputLogs: []domain.InputLogRecord{
			{Type: domain.InputKeyDown, MediaTimeMs: 1200, ClientTimestampMs: 1_700_000_000_100, SegmentID: id, Code: "KeyW"},
			{Type: domain.InputMouseMove, MediaTimeMs: 1300, ClientTimestampMs: 1_700_000_000_200, SegmentID: id, X: 10.5, Y: 20},
			{Type: domain.InputWheel, MediaTimeMs: 1300, ClientTimestampMs: 1_700_000_000_250, SegmentID: id, DeltaY: -120},
		},
		State:     domain.UploadStatePending,
		CreatedAt: createdAt,
	}
}

func write(t *testing.T, store ports.SegmentStore, seg *domain.Segment) {
	t.Helper()
	dir, err := store.SessionDirectory(context.Background(), seg.SessionID)
	require.NoError(t, err)
	require.NoError(t, dir.WriteSegment(context.Background(), seg))
}

// Run executes the full suite against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newStore(t)) })
	t.Run("SessionDirectoryIdempotent", func(t *testing.T) { testSessionDirectoryIdempotent(t, newStore(t)) })
	t.Run("ClaimIsExclusive", func(t *testing.T) { testClaimIsExclusive(t, newStore(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("ExpiredLeaseIsReclaimable", func(t *testing.T) { testExpiredLease(t, newStore(t)) })
	t.Run("RenewClaimExtendsLease", func(t *testing.T) { testRenewClaim(t, newStore(t)) })
	t.Run("ReleaseRevertsToPending", func(t *testing.T) { testRelease(t, newStore(t)) })
	t.Run("FailedCooldown", func(t *testing.T) { testFailedCooldown(t, newStore(t)) })
	t.Run("UploadedThenRemoved", func(t *testing.T) { testUploadedThenRemoved(t, newStore(t)) })
	t.Run("RewriteKeepsBookkeeping", func(t *testing.T) { testRewriteKeepsBookkeeping(t, newStore(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newStore(t)) })
}

func testRoundTrip(t *testing.T, store ports.SegmentStore) {
	ctx := context.Background()
	created := time.Now().Truncate(time.Millisecond)
	seg := NewSegment("sess-rt", "seg-1", created)
	write(t, store, seg)

	dir, err := store.SessionDirectory(ctx, "sess-rt")
	require.NoError(t, err)
	got, err := dir.ReadSegment(ctx, "seg-1")
	require.NoError(t, err)

	assert.Equal(t, seg.Video, got.Video)
	assert.Equal(t, seg.ContentType, got.ContentType)
	assert.Equal(t, seg.StartOffsetMs, got.StartOffsetMs)
	assert.Equal(t, seg.EndOffsetMs, got.EndOffsetMs)
	assert.Equal(t, seg.InputLogs, got.InputLogs)
	assert.Equal(t, domain.UploadStatePending, got.State)
	assert.WithinDuration(t, created, got.CreatedAt, time.Millisecond)

	list, err := dir.ListSegments(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Video)
	assert.Len(t, list[0].InputLogs, 3)

	_, err = dir.ReadSegment(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSegmentNotFound)
}

func testSessionDirectoryIdempotent(t *testing.T, store ports.SegmentStore) {
	ctx := context.Background()

	a, err := store.SessionDirectory(ctx, "sess-a")
	require.NoError(t, err)
	b, err := store.SessionDirectory(ctx, "sess-a")
	require.NoError(t, err)
	assert.Equal(t, a.Path(), b.Path())
	assert.Equal(t, domain.SessionID("sess-a"), b.SessionID())

	_, err = store.SessionDirectory(ctx, "sess-b")
	require.NoError(t, err)

	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.SessionID{"sess-a", "sess-b"}, sessions)

	// Same local id in two sessions never collides.
	write(t, store, NewSegment("sess-a", "seg-1", time.Now()))
	write(t, store, NewSegment("sess-b", "seg-1", time.Now()))
	got, err := a.ReadSegment(ctx, "seg-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("webm-payload-sess-a-seg-1"), got.Video)
}

func testClaimIsExclusive(t *testing.T, store ports.SegmentStore) {
	ctx := context.Background()
	now := time.Now()
	write(t, store, NewSegment("sess-c", "seg-1", now))
	key := domain.SegmentKey{SessionID: "sess-c", LocalID: "seg-1"}

	keys, err := store.ListClaimable(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []domain.SegmentKey{key}, keys)

	seg, err := store.Claim(ctx, key, "worker-a", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadStateUploading, seg.State)
	assert.Equal(t, "worker-a", seg.ClaimOwner)
	assert.NotEmpty(t, seg.Video)

	_, err = store.Claim(ctx, key, "worker-b", time.Minute, now)
	assert.ErrorIs(t, err, domain.ErrSegmentNotClaimable)

	keys, err = store.ListClaimable(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = store.Claim(ctx, domain.SegmentKey{SessionID: "sess-c", LocalID: "nope"}, "worker-a", time.Minute, now)
	assert.ErrorIs(t, err, domain.ErrSegmentNotFound)
}

func testConcurrentClaim(t *testing.T, store ports.SegmentStore) {
	ctx := context.Background()
	now := time.Now()
	write(t, store, NewSegment("sess-cc", "seg-1", now))
	key := domain.SegmentKey{SessionID: "sess-cc", LocalID: "seg-1"}

	const contenders = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Claim(ctx, key, fmt.Sprintf("worker-%d", i), time.Minute, now)
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrSegmentNotClaimable)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func testExpiredLease(t *testing.T, store ports.SegmentStore) {
	ctx := context.Background()
	now := time.Now()
	write(t, store, NewSegment("sess-l", "seg-1", now))
	key := domain.SegmentKey{SessionID: "sess-l", LocalID: "seg-1"}

	_, err := store.Claim(ctx, key, "crashed-worker", time.Second, now)
	require.NoError(t, err)

	later := now.Add(2 * time.Second)
	keys, err := store.ListClaimable(ctx, later, 10)
	require.NoError(t, err)
	assert.Equal(t, []domain.SegmentKey{key}, keys)

	_, err = store.Claim(ctx, key, "worker-b", time.Minute, later)
	require.NoError(t, err)

	err = store.MarkUploaded(ctx, key, "crashed-worker", "remote-x")
	assert.ErrorIs(t, err, domain.ErrClaimLost)
	require.NoError(t, store.MarkUploaded(ctx, key, "worker-b", "remote-b"))
}

func testRenewClaim(t *testing.T, store ports.SegmentStore) {
	ctx := context.Background()
	now := time.Now()
	write(t, store, NewSegment("sess-rn", "seg-1", now))
	key := domain.SegmentKey{SessionID: "sess-rn", LocalID: "seg-1"}

	_, err := store.Claim(ctx, key, "worker-a", time.Second, now)
	require.NoError(t, err)

	assert.ErrorIs(t, store.RenewClaim(ctx, key, "worker-b", time.Minute, now), domain.ErrClaimLost)

	// Renewed before expiry: the segment stays out of reach past the original lease.
	require.NoError(t, store.RenewClaim(ctx, key, "worker-a", 10*time.Second, now.Add(500*time.Millisecond)))
	later := now.Add(5 * time.Second)
	keys, err := store.ListClaimable(ctx, later, 10)
	require.NoError(t, err)
	assert.Empty(t, keys)
	_, err = store.Claim(ctx, key, "worker-b", time.Minute, later)
	assert.ErrorIs(t, err, domain.ErrSegmentNotClaimable)

	// Once taken over, the previous owner can no longer renew.
	takeover := now.Add(20 * time.Second)
	_, err = store.Claim(ctx, key, "worker-b", time.Minute, takeover)
	require.NoError(t, err)
	assert.ErrorIs(t, store.RenewClaim(ctx, key, "worker-a", time.Minute, takeover), domain.ErrClaimLost)
	require.NoError(t, store.RenewClaim(ctx, key, "worker-b", time.Minute, takeover))

	require.NoError(t, store.MarkUploaded(ctx, key, "worker-b", "remote-rn"))
	assert.ErrorIs(t, store.RenewClaim(ctx, key, "worker-b", time.Minute, takeover), domain.ErrClaimLost)

	assert.ErrorIs(t, store.RenewClaim(ctx, domain.SegmentKey{SessionID: "sess-rn", LocalID: "nope"}, "worker-a", time.Minute, now), domain.ErrSegmentNotFound)
}

func testRelease(t *testing.T, store ports.SegmentStore) {
	ctx := context.Background()
	now := time.Now()
	write(t, store, NewSegment("sess-r", "seg-1", now))
	key := domain.SegmentKey{SessionID: "sess-r", LocalID: "seg-1"}

	_, err := store.Claim(ctx, key, "worker-a", time.Minute, now)
	require.NoError(t, err)

	assert.ErrorIs(t, store.Release(ctx, key, "worker-b", "not mine"), domain.ErrClaimLost)
	require.NoError(t, store.Release(ctx, key, "worker-a", "upload cancelled"))

	dir, err := store.SessionDirectory(ctx, "sess-r")
	require.NoError(t, err)
	got, err := dir.ReadSegment(ctx, "seg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.UploadStatePending, got.State)
	assert.Empty(t, got.ClaimOwner)
	assert.Equal(t, "upload cancelled", got.LastError)

	_, err = store.Claim(ctx, key, "worker-b", time.Minute, now)
	assert.NoError(t, err)
}

func testFailedCooldown(t *testing.T, store ports.SegmentStore) {
	ctx := context.Background()
	now := time.Now()
	write(t, store, NewSegment("sess-f", "seg-1", now))
	key := domain.SegmentKey{SessionID: "sess-f", LocalID: "seg-1"}

	_, err := store.Claim(ctx, key, "worker-a", time.Minute, now)
	require.NoError(t, err)
	retryAt := now.Add(time.Minute)
	require.NoError(t, store.MarkFailed(ctx, key, "worker-a", "503 Service Unavailable", 3, retryAt))

	dir, err := store.SessionDirectory(ctx, "sess-f")
	require.NoError(t, err)
	got, err := dir.ReadSegment(ctx, "seg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.UploadStateFailed, got.State)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "503 Service Unavailable", got.LastError)
	assert.WithinDuration(t, retryAt, got.RetryAt, time.Millisecond)

	_, err = store.Claim(ctx, key, "worker-a", time.Minute, now.Add(30*time.Second))
	assert.ErrorIs(t, err, domain.ErrSegmentNotClaimable)

	keys, err := store.ListClaimable(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []domain.SegmentKey{key}, keys)

	n, err := store.ResetFailed(ctx, "sess-f")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	keys, err = store.ListClaimable(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []domain.SegmentKey{key}, keys)
}

func testUploadedThenRemoved(t *testing.T, store ports.SegmentStore) {
	ctx := context.Background()
	now := time.Now()
	write(t, store, NewSegment("sess-u", "seg-1", now))
	key := domain.SegmentKey{SessionID: "sess-u", LocalID: "seg-1"}

	_, err := store.Claim(ctx, key, "worker-a", time.Minute, now)
	require.NoError(t, err)
	require.NoError(t, store.MarkUploaded(ctx, key, "worker-a", "remote-1"))

	dir, err := store.SessionDirectory(ctx, "sess-u")
	require.NoError(t, err)
	got, err := dir.ReadSegment(ctx, "seg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.UploadStateUploaded, got.State)
	assert.Equal(t, domain.RemoteSegmentID("remote-1"), got.RemoteID)

	keys, err := store.ListClaimable(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, store.Remove(ctx, key))
	_, err = dir.ReadSegment(ctx, "seg-1")
	assert.ErrorIs(t, err, domain.ErrSegmentNotFound)
}

func testRewriteKeepsBookkeeping(t *testing.T, store ports.SegmentStore) {
	ctx := context.Background()
	now := time.Now()
	write(t, store, NewSegment("sess-w", "seg-1", now))
	key := domain.SegmentKey{SessionID: "sess-w", LocalID: "seg-1"}

	_, err := store.Claim(ctx, key, "worker-a", time.Minute, now)
	require.NoError(t, err)

	rewritten := NewSegment("sess-w", "seg-1", now)
	rewritten.Video = []byte("rewritten")
	write(t, store, rewritten)

	dir, err := store.SessionDirectory(ctx, "sess-w")
	require.NoError(t, err)
	got, err := dir.ReadSegment(ctx, "seg-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("rewritten"), got.Video)
	assert.Equal(t, domain.UploadStateUploading, got.State)
	assert.Equal(t, "worker-a", got.ClaimOwner)
}

func testStats(t *testing.T, store ports.SegmentStore) {
	ctx := context.Background()
	now := time.Now()
	write(t, store, NewSegment("sess-s", "seg-1", now))
	write(t, store, NewSegment("sess-s", "seg-2", now.Add(time.Millisecond)))
	write(t, store, NewSegment("sess-s", "seg-3", now.Add(2*time.Millisecond)))

	_, err := store.Claim(ctx, domain.SegmentKey{SessionID: "sess-s", LocalID: "seg-2"}, "w", time.Minute, now)
	require.NoError(t, err)
	_, err = store.Claim(ctx, domain.SegmentKey{SessionID: "sess-s", LocalID: "seg-3"}, "w", time.Minute, now)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, domain.SegmentKey{SessionID: "sess-s", LocalID: "seg-3"}, "w", "boom", 1, now.Add(time.Hour)))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sessions)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Uploading)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 3, stats.Total())
	assert.Greater(t, stats.Bytes, int64(0))

	keys, err := store.ListClaimable(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}
