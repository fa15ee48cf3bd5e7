package worker

import (
	"context"
	"sync"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"
	apperrors "rillcap/pkg/errors"

	"go.uber.org/zap"
)

// Listener receives every message the upload worker sends to this agent.
type Listener func(msg domain.Message)

// Bridge is a capture agent's view of the upload worker: it fans worker events out
// to local listeners and asks for drains through the best trigger available.
type Bridge struct {
	provider *SharedWorkerProvider
	// tiers[0] is always the shared worker.
	tiers   []ports.DrainTrigger
	metrics ports.PipelineMetrics

	mu        sync.Mutex
	listeners map[uint64]Listener
	nextID    uint64
	pumpOnce  sync.Once

	logger *zap.SugaredLogger
}

// NewBridge builds a bridge. fallbacks are tried in order when the shared worker is
// unavailable, typically background sync then the service-worker route.
func NewBridge(provider *SharedWorkerProvider, fallbacks []ports.DrainTrigger, metrics ports.PipelineMetrics, logger *zap.SugaredLogger) *Bridge {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	b := &Bridge{
		provider:  provider,
		metrics:   metrics,
		listeners: make(map[uint64]Listener),
		logger:    logger,
	}
	b.tiers = append([]ports.DrainTrigger{&SharedWorkerTrigger{bridge: b}}, fallbacks...)
	return b
}

// SharedWorker returns the worker link, or nil when the shared worker is unavailable.
func (b *Bridge) SharedWorker(ctx context.Context) ports.WorkerConn {
	conn := b.provider.Get(ctx)
	if conn == nil {
		return nil
	}
	b.pumpOnce.Do(func() { go b.pump(conn) })
	return conn
}

// AddListener registers fn and returns its unsubscribe function.
func (b *Bridge) AddListener(fn Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

func (b *Bridge) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

func (b *Bridge) pump(conn ports.WorkerConn) {
	for msg := range conn.Messages() {
		b.broadcast(msg)
	}
	b.logger.Infow("upload worker link closed", "conn_id", conn.ID())
}

func (b *Bridge) broadcast(msg domain.Message) {
	b.mu.Lock()
	listeners := make([]Listener, 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(msg)
	}
}

// TriggerUpload asks for a drain through the shared worker, falling back to
// background sync and then the service-worker route.
func (b *Bridge) TriggerUpload(ctx context.Context, sessionID domain.SessionID) error {
	return b.dispatch(ctx, sessionID, b.tiers)
}

// TriggerBackgroundSync skips the shared worker.
func (b *Bridge) TriggerBackgroundSync(ctx context.Context, sessionID domain.SessionID) error {
	return b.dispatch(ctx, sessionID, b.tiers[1:])
}

func (b *Bridge) dispatch(ctx context.Context, sessionID domain.SessionID, tiers []ports.DrainTrigger) error {
	for _, t := range tiers {
		if !t.Available(ctx) {
			continue
		}
		if err := t.Trigger(ctx, sessionID); err != nil {
			if ctx.Err() != nil {
				return apperrors.NewCancelledError("upload trigger", ctx.Err())
			}
			b.logger.Warnw("upload trigger failed, trying next", "tier", t.Name(), "session_id", sessionID, "error", err)
			continue
		}
		b.metrics.TriggerUsed(t.Name())
		b.logger.Debugw("upload drain requested", "tier", t.Name(), "session_id", sessionID)
		return nil
	}
	return apperrors.NewCapabilityError("upload worker trigger")
}

// Close drops every listener and the worker link.
func (b *Bridge) Close() error {
	b.mu.Lock()
	clear(b.listeners)
	b.mu.Unlock()
	return b.provider.Close()
}
