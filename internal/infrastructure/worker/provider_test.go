package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeConn struct {
	id      string
	msgs    chan domain.Message
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	sent    []domain.Message
	sendErr error
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, msgs: make(chan domain.Message, 8), done: make(chan struct{})}
}

func (c *fakeConn) ID() string                      { return c.id }
func (c *fakeConn) Messages() <-chan domain.Message { return c.msgs }
func (c *fakeConn) Done() <-chan struct{}           { return c.done }

func (c *fakeConn) Send(ctx context.Context, msg domain.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		close(c.msgs)
	})
	return nil
}

func (c *fakeConn) sentMessages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Message(nil), c.sent...)
}

func TestSharedWorkerProvider_MemoizesSuccess(t *testing.T) {
	conn := newFakeConn("c1")
	calls := 0
	p := NewSharedWorkerProvider(func(ctx context.Context) (ports.WorkerConn, error) {
		calls++
		return conn, nil
	}, zaptest.NewLogger(t).Sugar())

	assert.Equal(t, StateUninitialized, p.State())
	first := p.Get(context.Background())
	require.NotNil(t, first)
	for i := 0; i < 5; i++ {
		assert.Same(t, first, p.Get(context.Background()))
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateActive, p.State())
}

func TestSharedWorkerProvider_FailureIsPermanent(t *testing.T) {
	calls := 0
	p := NewSharedWorkerProvider(func(ctx context.Context) (ports.WorkerConn, error) {
		calls++
		return nil, errors.New("connection refused")
	}, zaptest.NewLogger(t).Sugar())

	for i := 0; i < 3; i++ {
		assert.Nil(t, p.Get(context.Background()))
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateUnavailable, p.State())
}

func TestSharedWorkerProvider_NilFactoryIsUnavailable(t *testing.T) {
	p := NewSharedWorkerProvider(nil, zaptest.NewLogger(t).Sugar())
	assert.Nil(t, p.Get(context.Background()))
	assert.Equal(t, StateUnavailable, p.State())
	assert.NoError(t, p.Close())
}

func TestSharedWorkerProvider_ConcurrentGet(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	p := NewSharedWorkerProvider(func(ctx context.Context) (ports.WorkerConn, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return newFakeConn("c1"), nil
	}, zaptest.NewLogger(t).Sugar())

	var wg sync.WaitGroup
	got := make([]ports.WorkerConn, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = p.Get(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, calls)
	for _, c := range got {
		assert.Same(t, got[0], c)
	}
}
