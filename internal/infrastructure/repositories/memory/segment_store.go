package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"
)

// MemorySegmentStore keeps segments in process memory. It is the fallback backend
// and the reference for the claim semantics the durable backends implement.
type MemorySegmentStore struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]struct{}
	segments map[domain.SegmentKey]*domain.Segment
}

func NewMemorySegmentStore() *MemorySegmentStore {
	return &MemorySegmentStore{
		sessions: make(map[domain.SessionID]struct{}),
		segments: make(map[domain.SegmentKey]*domain.Segment),
	}
}

var _ ports.SegmentStore = (*MemorySegmentStore)(nil)

func (s *MemorySegmentStore) SessionDirectory(ctx context.Context, sessionID domain.SessionID) (ports.SessionDirectory, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = struct{}{}
	return &memorySessionDirectory{store: s, sessionID: sessionID}, nil
}

func (s *MemorySegmentStore) ListClaimable(ctx context.Context, now time.Time, limit int) ([]domain.SegmentKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*domain.Segment
	for _, seg := range s.segments {
		if seg.Claimable(now) {
			candidates = append(candidates, seg)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	keys := make([]domain.SegmentKey, 0, len(candidates))
	for _, seg := range candidates {
		keys = append(keys, seg.Key())
	}
	return keys, nil
}

func (s *MemorySegmentStore) Claim(ctx context.Context, key domain.SegmentKey, owner string, lease time.Duration, now time.Time) (*domain.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, ok := s.segments[key]
	if !ok {
		return nil, domain.ErrSegmentNotFound
	}
	if !seg.Claimable(now) {
		return nil, domain.ErrSegmentNotClaimable
	}

	seg.State = domain.UploadStateUploading
	seg.ClaimOwner = owner
	seg.ClaimExpiresAt = now.Add(lease)
	seg.UpdatedAt = now
	return seg.Clone(), nil
}

func (s *MemorySegmentStore) owned(key domain.SegmentKey, owner string) (*domain.Segment, error) {
	seg, ok := s.segments[key]
	if !ok {
		return nil, domain.ErrSegmentNotFound
	}
	if seg.State != domain.UploadStateUploading || seg.ClaimOwner != owner {
		return nil, domain.ErrClaimLost
	}
	return seg, nil
}

func (s *MemorySegmentStore) RenewClaim(ctx context.Context, key domain.SegmentKey, owner string, lease time.Duration, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, err := s.owned(key, owner)
	if err != nil {
		return err
	}
	seg.ClaimExpiresAt = now.Add(lease)
	seg.UpdatedAt = now
	return nil
}

func (s *MemorySegmentStore) Release(ctx context.Context, key domain.SegmentKey, owner, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, err := s.owned(key, owner)
	if err != nil {
		return err
	}
	seg.State = domain.UploadStatePending
	seg.ClaimOwner = ""
	seg.ClaimExpiresAt = time.Time{}
	seg.LastError = reason
	seg.UpdatedAt = time.Now()
	return nil
}

func (s *MemorySegmentStore) MarkUploaded(ctx context.Context, key domain.SegmentKey, owner string, remoteID domain.RemoteSegmentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, err := s.owned(key, owner)
	if err != nil {
		return err
	}
	seg.State = domain.UploadStateUploaded
	seg.RemoteID = remoteID
	seg.ClaimOwner = ""
	seg.ClaimExpiresAt = time.Time{}
	seg.LastError = ""
	seg.UpdatedAt = time.Now()
	return nil
}

func (s *MemorySegmentStore) MarkFailed(ctx context.Context, key domain.SegmentKey, owner, reason string, attempts int, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, err := s.owned(key, owner)
	if err != nil {
		return err
	}
	seg.State = domain.UploadStateFailed
	seg.Attempts += attempts
	seg.LastError = reason
	seg.RetryAt = retryAt
	seg.ClaimOwner = ""
	seg.ClaimExpiresAt = time.Time{}
	seg.UpdatedAt = time.Now()
	return nil
}

func (s *MemorySegmentStore) ResetFailed(ctx context.Context, sessionID domain.SessionID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, seg := range s.segments {
		if key.SessionID != sessionID || seg.State != domain.UploadStateFailed {
			continue
		}
		seg.State = domain.UploadStatePending
		seg.RetryAt = time.Time{}
		seg.UpdatedAt = time.Now()
		n++
	}
	return n, nil
}

func (s *MemorySegmentStore) Remove(ctx context.Context, key domain.SegmentKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.segments[key]; !ok {
		return domain.ErrSegmentNotFound
	}
	delete(s.segments, key)
	return nil
}

func (s *MemorySegmentStore) Sessions(ctx context.Context) ([]domain.SessionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]domain.SessionID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemorySegmentStore) Stats(ctx context.Context) (domain.StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := domain.StoreStats{Sessions: len(s.sessions)}
	for _, seg := range s.segments {
		switch seg.State {
		case domain.UploadStatePending:
			stats.Pending++
		case domain.UploadStateUploading:
			stats.Uploading++
		case domain.UploadStateUploaded:
			stats.Uploaded++
		case domain.UploadStateFailed:
			stats.Failed++
		}
		stats.Bytes += seg.Size()
	}
	return stats, nil
}

func (s *MemorySegmentStore) Close() error {
	return nil
}

type memorySessionDirectory struct {
	store     *MemorySegmentStore
	sessionID domain.SessionID
}

func (d *memorySessionDirectory) SessionID() domain.SessionID { return d.sessionID }

func (d *memorySessionDirectory) Path() string {
	return "memory://" + string(d.sessionID)
}

func (d *memorySessionDirectory) WriteSegment(ctx context.Context, seg *domain.Segment) error {
	if seg.SessionID != d.sessionID {
		return fmt.Errorf("segment %s belongs to session %s, not %s", seg.LocalID, seg.SessionID, d.sessionID)
	}
	if seg.LocalID == "" {
		return fmt.Errorf("segment id is required")
	}

	d.store.mu.Lock()
	defer d.store.mu.Unlock()

	cp := seg.Clone()
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	if existing, ok := d.store.segments[seg.Key()]; ok {
		cp.State = existing.State
		cp.RemoteID = existing.RemoteID
		cp.Attempts = existing.Attempts
		cp.LastError = existing.LastError
		cp.ClaimOwner = existing.ClaimOwner
		cp.ClaimExpiresAt = existing.ClaimExpiresAt
		cp.RetryAt = existing.RetryAt
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.State = domain.UploadStatePending
		cp.ClaimOwner = ""
		cp.ClaimExpiresAt = time.Time{}
	}
	d.store.segments[seg.Key()] = cp
	return nil
}

func (d *memorySessionDirectory) ReadSegment(ctx context.Context, id domain.LocalSegmentID) (*domain.Segment, error) {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()

	seg, ok := d.store.segments[domain.SegmentKey{SessionID: d.sessionID, LocalID: id}]
	if !ok {
		return nil, domain.ErrSegmentNotFound
	}
	return seg.Clone(), nil
}

func (d *memorySessionDirectory) ListSegments(ctx context.Context) ([]domain.Segment, error) {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()

	var out []domain.Segment
	for key, seg := range d.store.segments {
		if key.SessionID == d.sessionID {
			out = append(out, seg.Metadata())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
