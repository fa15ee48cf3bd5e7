package memory

import (
	"context"
	"sync"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"
)

// MemorySyncRegistry is the in-process background-sync queue. Duplicate
// registrations of a session collapse until a worker takes it.
type MemorySyncRegistry struct {
	mu     sync.Mutex
	queue  []domain.SessionID
	queued map[domain.SessionID]struct{}
	notify chan struct{}
}

var _ ports.SyncRegistry = (*MemorySyncRegistry)(nil)

func NewMemorySyncRegistry() *MemorySyncRegistry {
	return &MemorySyncRegistry{
		queued: make(map[domain.SessionID]struct{}),
		notify: make(chan struct{}, 1),
	}
}

func (r *MemorySyncRegistry) Register(ctx context.Context, sessionID domain.SessionID) error {
	r.mu.Lock()
	if _, ok := r.queued[sessionID]; !ok {
		r.queued[sessionID] = struct{}{}
		r.queue = append(r.queue, sessionID)
	}
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *MemorySyncRegistry) Take(ctx context.Context) (domain.SessionID, error) {
	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			id := r.queue[0]
			r.queue = r.queue[1:]
			delete(r.queued, id)
			more := len(r.queue) > 0
			r.mu.Unlock()
			if more {
				select {
				case r.notify <- struct{}{}:
				default:
				}
			}
			return id, nil
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-r.notify:
		}
	}
}
