package distributed

import (
	"context"
	"sync"
	"testing"
	"time"

	"rillcap/internal/core/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type collector struct {
	mu   sync.Mutex
	msgs []domain.Message
}

func (c *collector) Publish(ctx context.Context, msg domain.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) snapshot() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Message(nil), c.msgs...)
}

func startBus(t *testing.T, client *redis.Client, instance string, local *collector) *EventBus {
	t.Helper()
	bus := NewEventBus(client, "test", instance, local, zaptest.NewLogger(t).Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-bus.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("event bus did not subscribe")
	}
	return bus
}

func TestEventBus_RelaysToOtherInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	localA, localB := &collector{}, &collector{}
	busA := startBus(t, client, "worker-a", localA)
	startBus(t, client, "worker-b", localB)

	uploaded := domain.SegmentUploaded{SessionID: "sess-1", LocalSegmentID: "seg-1", RemoteSegmentID: "r-1"}
	require.NoError(t, busA.Publish(context.Background(), uploaded))

	require.Eventually(t, func() bool { return len(localB.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uploaded, localB.snapshot()[0])

	// the publisher's own tabs hear it exactly once
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []domain.Message{uploaded}, localA.snapshot())
}

func TestEventBus_IgnoresGarbage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	local := &collector{}
	startBus(t, client, "worker-a", local)

	require.NoError(t, client.Publish(context.Background(), "test:events", "not json").Err())
	require.NoError(t, client.Publish(context.Background(), "test:events", `{"instance_id":"x","message":{"type":"NOPE"}}`).Err())
	require.NoError(t, client.Publish(context.Background(), "test:events", `{"instance_id":"x","message":{"type":"DRAIN_COMPLETED","payload":{"uploaded":2}}}`).Err())

	require.Eventually(t, func() bool { return len(local.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.DrainCompleted{Uploaded: 2}, local.snapshot()[0])
}
