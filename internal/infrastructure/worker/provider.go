package worker

import (
	"context"
	"sync"

	"rillcap/internal/core/ports"

	"go.uber.org/zap"
)

type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateActive        State = "ACTIVE"
	StateUnavailable   State = "UNAVAILABLE"
)

// ConnFactory opens a link to the shared upload worker.
type ConnFactory func(ctx context.Context) (ports.WorkerConn, error)

// SharedWorkerProvider hands out one worker link per process. Construction is
// attempted once: later calls return the same link, or nil forever after a failure.
type SharedWorkerProvider struct {
	factory ConnFactory

	mu    sync.Mutex
	state State
	conn  ports.WorkerConn

	logger *zap.SugaredLogger
}

func NewSharedWorkerProvider(factory ConnFactory, logger *zap.SugaredLogger) *SharedWorkerProvider {
	return &SharedWorkerProvider{
		factory: factory,
		state:   StateUninitialized,
		logger:  logger,
	}
}

// DialFactory connects to a worker websocket endpoint.
func DialFactory(url, token string, logger *zap.SugaredLogger) ConnFactory {
	return func(ctx context.Context) (ports.WorkerConn, error) {
		return Dial(ctx, url, token, logger)
	}
}

// Get returns the worker link, or nil when no shared worker is available.
func (p *SharedWorkerProvider) Get(ctx context.Context) ports.WorkerConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateUninitialized {
		if p.factory == nil {
			p.state = StateUnavailable
			return nil
		}
		conn, err := p.factory(ctx)
		if err != nil || conn == nil {
			p.state = StateUnavailable
			p.logger.Warnw("shared upload worker unavailable, using fallback triggers", "error", err)
			return nil
		}
		p.conn = conn
		p.state = StateActive
		p.logger.Infow("connected to shared upload worker", "conn_id", conn.ID())
	}
	if p.state != StateActive {
		return nil
	}
	return p.conn
}

func (p *SharedWorkerProvider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Close releases the link. The provider stays in its current state.
func (p *SharedWorkerProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
