package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"
)

const (
	TierSharedWorker   = "shared_worker"
	TierBackgroundSync = "background_sync"
	TierServiceWorker  = "service_worker"
)

// SharedWorkerTrigger sends PROCESS_UPLOADS over the shared worker link.
type SharedWorkerTrigger struct {
	bridge *Bridge
}

var _ ports.DrainTrigger = (*SharedWorkerTrigger)(nil)

func (t *SharedWorkerTrigger) Name() string { return TierSharedWorker }

func (t *SharedWorkerTrigger) Available(ctx context.Context) bool {
	return t.bridge.SharedWorker(ctx) != nil
}

func (t *SharedWorkerTrigger) Trigger(ctx context.Context, sessionID domain.SessionID) error {
	conn := t.bridge.SharedWorker(ctx)
	if conn == nil {
		return ErrConnClosed
	}
	return conn.Send(ctx, domain.ProcessUploads{SessionID: sessionID})
}

// BackgroundSyncTrigger registers a deferred drain that any worker instance
// consumes later, even after this agent exits.
type BackgroundSyncTrigger struct {
	registry ports.SyncRegistry
}

var _ ports.DrainTrigger = (*BackgroundSyncTrigger)(nil)

func NewBackgroundSyncTrigger(registry ports.SyncRegistry) *BackgroundSyncTrigger {
	return &BackgroundSyncTrigger{registry: registry}
}

func (t *BackgroundSyncTrigger) Name() string { return TierBackgroundSync }

func (t *BackgroundSyncTrigger) Available(ctx context.Context) bool {
	return t.registry != nil
}

func (t *BackgroundSyncTrigger) Trigger(ctx context.Context, sessionID domain.SessionID) error {
	return t.registry.Register(ctx, sessionID)
}

// ServiceWorkerTrigger posts a direct drain request to the worker HTTP API.
type ServiceWorkerTrigger struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ ports.DrainTrigger = (*ServiceWorkerTrigger)(nil)

func NewServiceWorkerTrigger(baseURL, token string, timeout time.Duration) *ServiceWorkerTrigger {
	return &ServiceWorkerTrigger{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (t *ServiceWorkerTrigger) Name() string { return TierServiceWorker }

func (t *ServiceWorkerTrigger) Available(ctx context.Context) bool {
	return t.baseURL != ""
}

func (t *ServiceWorkerTrigger) Trigger(ctx context.Context, sessionID domain.SessionID) error {
	body, err := json.Marshal(domain.ProcessUploads{SessionID: sessionID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/v1/uploads/process", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build drain request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("drain request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("drain request rejected: %s", resp.Status)
	}
	return nil
}
