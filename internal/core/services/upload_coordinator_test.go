package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"
	"rillcap/internal/infrastructure/repositories/memory"
	"rillcap/internal/infrastructure/upload"
	"rillcap/pkg/circuitbreaker"
	apperrors "rillcap/pkg/errors"
	"rillcap/pkg/ratelimit"
	"rillcap/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// stubPresigner hands out one destination per segment on srvURL.
type stubPresigner struct {
	srvURL string
	calls  atomic.Int32
}

func (p *stubPresigner) RequestTarget(ctx context.Context, seg *domain.Segment) (*ports.UploadTarget, error) {
	p.calls.Add(1)
	return &ports.UploadTarget{
		RemoteID: domain.RemoteSegmentID("remote-" + string(seg.LocalID)),
		URL:      fmt.Sprintf("%s/%s/%s", p.srvURL, seg.SessionID, seg.LocalID),
		S3URL:    fmt.Sprintf("s3://bucket/%s/%s", seg.SessionID, seg.LocalID),
	}, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []domain.Message
}

func (p *recordingPublisher) Publish(ctx context.Context, msg domain.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) ofKind(kind domain.MessageType) []domain.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Message
	for _, m := range p.msgs {
		if m.Kind() == kind {
			out = append(out, m)
		}
	}
	return out
}

type putServer struct {
	*httptest.Server
	puts   atomic.Int32
	status atomic.Int32
}

func newPutServer(t *testing.T, status int) *putServer {
	t.Helper()
	s := &putServer{}
	s.status.Store(int32(status))
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		s.puts.Add(1)
		w.WriteHeader(int(s.status.Load()))
	}))
	t.Cleanup(s.Close)
	return s
}

func fastRetry() retry.Config {
	return retry.Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

type coordinatorFixture struct {
	store     *memory.MemorySegmentStore
	presigner *stubPresigner
	events    *recordingPublisher
}

func newCoordinator(t *testing.T, owner string, fx *coordinatorFixture, srvURL string, breaker *circuitbreaker.CircuitBreaker) *UploadCoordinator {
	t.Helper()
	cfg := DefaultUploadCoordinatorConfig(owner)
	cfg.Retry = fastRetry()
	cfg.FailedCooldown = time.Hour
	if fx.presigner == nil {
		fx.presigner = &stubPresigner{srvURL: srvURL}
	}
	logger := zaptest.NewLogger(t).Sugar()
	var events ports.EventPublisher
	if fx.events != nil {
		events = fx.events
	}
	c := NewUploadCoordinator(cfg, fx.store, fx.presigner, upload.NewHTTPUploader(5*time.Second, nil, logger), nil, breaker, events, nil, logger)
	t.Cleanup(c.Close)
	return c
}

func writeSegments(t *testing.T, store ports.SegmentStore, session domain.SessionID, ids ...domain.LocalSegmentID) {
	t.Helper()
	ctx := context.Background()
	dir, err := store.SessionDirectory(ctx, session)
	require.NoError(t, err)
	for i, id := range ids {
		require.NoError(t, dir.WriteSegment(ctx, &domain.Segment{
			SessionID:     session,
			LocalID:       id,
			Video:         []byte("video-" + string(id)),
			ContentType:   "video/webm",
			StartOffsetMs: int64(i) * 5000,
			EndOffsetMs:   int64(i+1) * 5000,
		}))
	}
}

func segmentsOf(t *testing.T, store ports.SegmentStore, session domain.SessionID) []domain.Segment {
	t.Helper()
	dir, err := store.SessionDirectory(context.Background(), session)
	require.NoError(t, err)
	segs, err := dir.ListSegments(context.Background())
	require.NoError(t, err)
	return segs
}

func TestUploadCoordinator_DrainUploadsAndRemoves(t *testing.T) {
	srv := newPutServer(t, http.StatusOK)
	fx := &coordinatorFixture{store: memory.NewMemorySegmentStore(), events: &recordingPublisher{}}
	c := newCoordinator(t, "worker-a", fx, srv.URL, nil)
	writeSegments(t, fx.store, "sess-1", "seg-1", "seg-2", "seg-3")

	report, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainReport{Uploaded: 3}, report)
	assert.Equal(t, int32(3), srv.puts.Load())
	assert.Empty(t, segmentsOf(t, fx.store, "sess-1"))

	uploaded := fx.events.ofKind(domain.MessageSegmentUploaded)
	require.Len(t, uploaded, 3)
	first := uploaded[0].(domain.SegmentUploaded)
	assert.Equal(t, domain.RemoteSegmentID("remote-"+string(first.LocalSegmentID)), first.RemoteSegmentID)
	assert.Equal(t, fmt.Sprintf("s3://bucket/sess-1/%s", first.LocalSegmentID), first.S3URL)

	completed := fx.events.ofKind(domain.MessageDrainCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, domain.DrainCompleted{Uploaded: 3}, completed[0])

	// nothing left
	report, err = c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainReport{}, report)
}

func TestUploadCoordinator_PersistentFailureParksSegment(t *testing.T) {
	srv := newPutServer(t, http.StatusInternalServerError)
	fx := &coordinatorFixture{store: memory.NewMemorySegmentStore(), events: &recordingPublisher{}}
	c := newCoordinator(t, "worker-a", fx, srv.URL, nil)
	writeSegments(t, fx.store, "sess-1", "seg-1")

	report, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainReport{Failed: 1}, report)
	assert.Equal(t, int32(3), srv.puts.Load())
	// the retried attempts reuse one presigned destination
	assert.Equal(t, int32(1), fx.presigner.calls.Load())

	segs := segmentsOf(t, fx.store, "sess-1")
	require.Len(t, segs, 1)
	assert.Equal(t, domain.UploadStateFailed, segs[0].State)
	assert.Equal(t, 3, segs[0].Attempts)
	assert.Contains(t, segs[0].LastError, "500")

	failed := fx.events.ofKind(domain.MessageSegmentFailed)
	require.Len(t, failed, 1)
	msg := failed[0].(domain.SegmentFailed)
	assert.Equal(t, 3, msg.Attempts)
	assert.NotEmpty(t, msg.Reason)

	// cooling down: a second pass leaves it alone
	report, err = c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainReport{}, report)
	assert.Equal(t, int32(3), srv.puts.Load())

	// an explicit retry succeeds once the destination recovers
	srv.status.Store(http.StatusOK)
	n, err := c.RetryFailed(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	report, err = c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainReport{Uploaded: 1}, report)
	assert.Empty(t, segmentsOf(t, fx.store, "sess-1"))
}

func TestUploadCoordinator_CompetingWorkersUploadOnce(t *testing.T) {
	srv := newPutServer(t, http.StatusOK)
	store := memory.NewMemorySegmentStore()
	writeSegments(t, store, "sess-1", "seg-1")

	a := newCoordinator(t, "worker-a", &coordinatorFixture{store: store}, srv.URL, nil)
	b := newCoordinator(t, "worker-b", &coordinatorFixture{store: store}, srv.URL, nil)

	var wg sync.WaitGroup
	reports := make([]DrainReport, 2)
	for i, c := range []*UploadCoordinator{a, b} {
		wg.Add(1)
		go func(i int, c *UploadCoordinator) {
			defer wg.Done()
			r, err := c.Drain(context.Background())
			assert.NoError(t, err)
			reports[i] = r
		}(i, c)
	}
	wg.Wait()

	assert.Equal(t, int32(1), srv.puts.Load())
	assert.Equal(t, 1, reports[0].Uploaded+reports[1].Uploaded)
	assert.Empty(t, segmentsOf(t, store, "sess-1"))
}

func TestUploadCoordinator_UploadSegmentRespectsForeignClaim(t *testing.T) {
	srv := newPutServer(t, http.StatusOK)
	fx := &coordinatorFixture{store: memory.NewMemorySegmentStore()}
	c := newCoordinator(t, "worker-a", fx, srv.URL, nil)
	writeSegments(t, fx.store, "sess-1", "seg-1")

	key := domain.SegmentKey{SessionID: "sess-1", LocalID: "seg-1"}
	_, err := fx.store.Claim(context.Background(), key, "worker-b", time.Minute, time.Now())
	require.NoError(t, err)

	_, err = c.UploadSegment(context.Background(), &domain.Segment{SessionID: "sess-1", LocalID: "seg-1"})
	assert.ErrorIs(t, err, domain.ErrSegmentNotClaimable)
	assert.Equal(t, int32(0), srv.puts.Load())
}

func TestUploadCoordinator_CancelRequeues(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	fx := &coordinatorFixture{store: memory.NewMemorySegmentStore(), events: &recordingPublisher{}}
	c := newCoordinator(t, "worker-a", fx, srv.URL, nil)
	writeSegments(t, fx.store, "sess-1", "seg-1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	report, err := c.Drain(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.IsCancelled(err))
	assert.Equal(t, 1, report.Requeued)

	segs := segmentsOf(t, fx.store, "sess-1")
	require.Len(t, segs, 1)
	assert.Equal(t, domain.UploadStatePending, segs[0].State)
	assert.Empty(t, segs[0].ClaimOwner)
	assert.Len(t, fx.events.ofKind(domain.MessageSegmentRequeued), 1)
}

func TestUploadCoordinator_OpenBreakerRequeues(t *testing.T) {
	srv := newPutServer(t, http.StatusServiceUnavailable)
	breaker := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour, MaxRequestsHalfOpen: 1})
	fx := &coordinatorFixture{store: memory.NewMemorySegmentStore(), events: &recordingPublisher{}}
	c := newCoordinator(t, "worker-a", fx, srv.URL, breaker)
	writeSegments(t, fx.store, "sess-1", "seg-1", "seg-2")

	report, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, int32(1), srv.puts.Load())
	assert.Equal(t, circuitbreaker.StateOpen, breaker.GetState())

	for _, seg := range segmentsOf(t, fx.store, "sess-1") {
		assert.Equal(t, domain.UploadStatePending, seg.State, string(seg.LocalID))
	}
	assert.Len(t, fx.events.ofKind(domain.MessageSegmentRequeued), 1)
}

// concurrencyServer tracks how many PUTs are in flight at once.
type concurrencyServer struct {
	*httptest.Server
	puts        atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newConcurrencyServer(t *testing.T) *concurrencyServer {
	t.Helper()
	s := &concurrencyServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.puts.Add(1)
		n := s.inFlight.Add(1)
		for {
			peak := s.maxInFlight.Load()
			if n <= peak || s.maxInFlight.CompareAndSwap(peak, n) {
				break
			}
		}
		_, _ = io.Copy(io.Discard, r.Body)
		s.inFlight.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(s.Close)
	return s
}

func TestUploadCoordinator_SlowUploadKeepsItsClaim(t *testing.T) {
	srv := newConcurrencyServer(t)
	store := memory.NewMemorySegmentStore()
	dir, err := store.SessionDirectory(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NoError(t, dir.WriteSegment(context.Background(), &domain.Segment{
		SessionID:   "sess-1",
		LocalID:     "seg-1",
		Video:       make([]byte, 3000),
		ContentType: "video/webm",
		EndOffsetMs: 5000,
	}))

	logger := zaptest.NewLogger(t).Sugar()
	newSlow := func(owner string) *UploadCoordinator {
		cfg := DefaultUploadCoordinatorConfig(owner)
		cfg.Retry = fastRetry()
		cfg.LeaseDuration = 300 * time.Millisecond
		bps := int64(8000) // 1000 bytes/s: the PUT takes about two seconds
		c := NewUploadCoordinator(cfg, store, &stubPresigner{srvURL: srv.URL},
			upload.NewHTTPUploader(10*time.Second, nil, logger), ratelimit.New(&bps), nil, nil, nil, logger)
		t.Cleanup(c.Close)
		return c
	}
	a, b := newSlow("worker-a"), newSlow("worker-b")

	var reportA DrainReport
	done := make(chan struct{})
	go func() {
		defer close(done)
		var err error
		reportA, err = a.Drain(context.Background())
		assert.NoError(t, err)
	}()

	// Well past the original lease, still mid-upload.
	time.Sleep(600 * time.Millisecond)
	reportB, err := b.Drain(context.Background())
	require.NoError(t, err)
	<-done

	assert.Equal(t, DrainReport{Uploaded: 1}, reportA)
	assert.Equal(t, 0, reportB.Uploaded)
	assert.Equal(t, int32(1), srv.puts.Load())
	assert.Equal(t, int32(1), srv.maxInFlight.Load())
	assert.Empty(t, segmentsOf(t, store, "sess-1"))
}

// takenOverStore reports every renewal as lost, as if another owner had claimed the segment.
type takenOverStore struct {
	*memory.MemorySegmentStore
	renewals atomic.Int32
}

func (s *takenOverStore) RenewClaim(ctx context.Context, key domain.SegmentKey, owner string, lease time.Duration, now time.Time) error {
	s.renewals.Add(1)
	return domain.ErrClaimLost
}

func TestUploadCoordinator_LostClaimAbandonsUpload(t *testing.T) {
	aborted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		close(aborted)
	}))
	defer srv.Close()

	store := &takenOverStore{MemorySegmentStore: memory.NewMemorySegmentStore()}
	writeSegments(t, store, "sess-1", "seg-1")
	events := &recordingPublisher{}

	logger := zaptest.NewLogger(t).Sugar()
	cfg := DefaultUploadCoordinatorConfig("worker-a")
	cfg.Retry = fastRetry()
	cfg.LeaseDuration = 150 * time.Millisecond
	c := NewUploadCoordinator(cfg, store, &stubPresigner{srvURL: srv.URL},
		upload.NewHTTPUploader(10*time.Second, nil, logger), nil, nil, events, nil, logger)
	t.Cleanup(c.Close)

	report, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainReport{Skipped: 1}, report)
	assert.Equal(t, int32(1), store.renewals.Load())

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight PUT was not aborted")
	}

	// The new owner records the outcome; this worker leaves the row alone.
	assert.Empty(t, events.ofKind(domain.MessageSegmentFailed))
	assert.Empty(t, events.ofKind(domain.MessageSegmentRequeued))
	segs := segmentsOf(t, store, "sess-1")
	require.Len(t, segs, 1)
	assert.Equal(t, domain.UploadStateUploading, segs[0].State)
	assert.Equal(t, "worker-a", segs[0].ClaimOwner)
}
