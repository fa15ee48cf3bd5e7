package memory

import (
	"context"
	"testing"
	"time"

	"rillcap/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySyncRegistry_FIFOWithoutDuplicates(t *testing.T) {
	reg := NewMemorySyncRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "sess-1"))
	require.NoError(t, reg.Register(ctx, "sess-2"))
	require.NoError(t, reg.Register(ctx, "sess-1"))

	first, err := reg.Take(ctx)
	require.NoError(t, err)
	second, err := reg.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.SessionID{"sess-1", "sess-2"}, []domain.SessionID{first, second})

	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = reg.Take(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemorySyncRegistry_TakeWakesOnRegister(t *testing.T) {
	reg := NewMemorySyncRegistry()
	got := make(chan domain.SessionID, 1)

	go func() {
		id, err := reg.Take(context.Background())
		if err == nil {
			got <- id
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, reg.Register(context.Background(), "sess-late"))

	select {
	case id := <-got:
		assert.Equal(t, domain.SessionID("sess-late"), id)
	case <-time.After(time.Second):
		t.Fatal("Take did not wake up")
	}
}
