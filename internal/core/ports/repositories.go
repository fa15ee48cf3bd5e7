package ports

import (
	"context"
	"time"

	"rillcap/internal/core/domain"
)

// SessionDirectory is a handle scoped to one recording session.
// Distinct (session, segment) pairs never share storage.
type SessionDirectory interface {
	SessionID() domain.SessionID
	Path() string
	// WriteSegment persists a finalized segment as PENDING. Rewriting an existing
	// key replaces its payload and metadata but keeps its upload bookkeeping.
	WriteSegment(ctx context.Context, seg *domain.Segment) error
	ReadSegment(ctx context.Context, id domain.LocalSegmentID) (*domain.Segment, error)
	// ListSegments returns metadata only (Video is nil), ordered by creation.
	ListSegments(ctx context.Context) ([]domain.Segment, error)
}

// SegmentStore is the durable upload queue shared by every capture agent and worker.
type SegmentStore interface {
	// SessionDirectory creates the session scope if absent. Idempotent.
	SessionDirectory(ctx context.Context, sessionID domain.SessionID) (SessionDirectory, error)

	ListClaimable(ctx context.Context, now time.Time, limit int) ([]domain.SegmentKey, error)
	// Claim atomically moves a claimable segment to UPLOADING under owner until now+lease
	// and returns it with its payload.
	Claim(ctx context.Context, key domain.SegmentKey, owner string, lease time.Duration, now time.Time) (*domain.Segment, error)
	// RenewClaim pushes an owned claim's expiry to now+lease. ErrClaimLost when another
	// owner has taken the segment or it is no longer UPLOADING.
	RenewClaim(ctx context.Context, key domain.SegmentKey, owner string, lease time.Duration, now time.Time) error
	// Release returns an owned UPLOADING segment to PENDING.
	Release(ctx context.Context, key domain.SegmentKey, owner, reason string) error
	MarkUploaded(ctx context.Context, key domain.SegmentKey, owner string, remoteID domain.RemoteSegmentID) error
	// MarkFailed adds attempts to the segment's counter and parks it until retryAt.
	MarkFailed(ctx context.Context, key domain.SegmentKey, owner, reason string, attempts int, retryAt time.Time) error
	// ResetFailed moves every FAILED segment of the session back to PENDING.
	ResetFailed(ctx context.Context, sessionID domain.SessionID) (int, error)
	// Remove deletes payload and metadata. Only called after a confirmed upload.
	Remove(ctx context.Context, key domain.SegmentKey) error

	Sessions(ctx context.Context) ([]domain.SessionID, error)
	Stats(ctx context.Context) (domain.StoreStats, error)
	Close() error
}

// SyncRegistry persists background-sync registrations until some worker consumes them.
type SyncRegistry interface {
	Register(ctx context.Context, sessionID domain.SessionID) error
	// Take blocks until a registration is available or ctx is done.
	Take(ctx context.Context) (domain.SessionID, error)
}

// DrainLease keeps concurrent drain passes of different worker instances apart.
// Claims remain the correctness guarantee; the lease only avoids wasted work.
type DrainLease interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}
