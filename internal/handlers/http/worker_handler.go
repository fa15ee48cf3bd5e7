package http

import (
	"context"
	"net/http"
	"time"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"
	"rillcap/internal/core/services"
	"rillcap/internal/infrastructure/middleware"
	"rillcap/pkg/errors"
	"rillcap/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type FailedRetrier interface {
	RetryFailed(ctx context.Context, sessionID domain.SessionID) (int, error)
}

type DrainReporter interface {
	LastReport() (services.DrainReport, time.Time)
}

type WorkerSocket interface {
	ServeWS(w http.ResponseWriter, r *http.Request, sessionID domain.SessionID)
	ConnectionCount() int
}

type WorkerHandler struct {
	store   ports.SegmentStore
	drainer ports.Drainer
	retrier FailedRetrier
	reports DrainReporter
	socket  WorkerSocket
	auth    services.AuthService
	logger  *zap.SugaredLogger
}

// NewWorkerHandler wires the upload worker API. auth may be nil to disable authentication.
func NewWorkerHandler(
	store ports.SegmentStore,
	drainer ports.Drainer,
	retrier FailedRetrier,
	reports DrainReporter,
	socket WorkerSocket,
	auth services.AuthService,
	logger *zap.SugaredLogger,
) *WorkerHandler {
	return &WorkerHandler{
		store:   store,
		drainer: drainer,
		retrier: retrier,
		reports: reports,
		socket:  socket,
		auth:    auth,
		logger:  logger,
	}
}

func (h *WorkerHandler) SetupRoutes(router *gin.Engine, wsLimit gin.HandlerFunc) {
	if wsLimit == nil {
		wsLimit = func(c *gin.Context) { c.Next() }
	}
	router.GET("/ws", wsLimit, middleware.AuthMiddleware(h.auth), h.ServeWorker)

	api := router.Group("/api/v1", middleware.AuthMiddleware(h.auth))
	{
		api.POST("/uploads/process", h.ProcessUploads)
		api.GET("/uploads/stats", h.Stats)

		sessions := api.Group("/sessions/:id", middleware.SessionPermissionMiddleware(h.auth, "id"))
		sessions.GET("/segments", h.ListSegments)
		sessions.POST("/segments/retry", h.RetryFailed)
	}
}

type processRequest struct {
	SessionID domain.SessionID `json:"sessionId"`
}

// ProcessUploads is the direct route a page uses when no worker connection is available.
func (h *WorkerHandler) ProcessUploads(c *gin.Context) {
	var req processRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errors.NewInvalidInputError("invalid request format"))
			return
		}
	}
	if req.SessionID != "" {
		if err := validation.ValidateSessionID(string(req.SessionID)); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
	}
	if claims, ok := middleware.SessionClaims(c); ok && req.SessionID == "" && claims.SessionID != services.AllSessions {
		req.SessionID = claims.SessionID
	}
	if !middleware.Authorized(c, h.auth, req.SessionID) {
		return
	}

	h.drainer.Trigger(req.SessionID)
	c.JSON(http.StatusAccepted, gin.H{
		"status":    "accepted",
		"sessionId": req.SessionID,
	})
}

type segmentView struct {
	LocalID       domain.LocalSegmentID  `json:"localSegmentId"`
	RemoteID      domain.RemoteSegmentID `json:"remoteSegmentId,omitempty"`
	ContentType   string                 `json:"contentType"`
	StartOffsetMs int64                  `json:"startOffsetMs"`
	EndOffsetMs   int64                  `json:"endOffsetMs"`
	InputLogs     int                    `json:"inputLogs"`
	State         domain.UploadState     `json:"state"`
	Attempts      int                    `json:"attempts"`
	LastError     string                 `json:"lastError,omitempty"`
	RetryAt       *time.Time             `json:"retryAt,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
}

func toSegmentView(seg domain.Segment) segmentView {
	v := segmentView{
		LocalID:       seg.LocalID,
		RemoteID:      seg.RemoteID,
		ContentType:   seg.ContentType,
		StartOffsetMs: seg.StartOffsetMs,
		EndOffsetMs:   seg.EndOffsetMs,
		InputLogs:     len(seg.InputLogs),
		State:         seg.State,
		Attempts:      seg.Attempts,
		LastError:     seg.LastError,
		CreatedAt:     seg.CreatedAt,
	}
	if !seg.RetryAt.IsZero() {
		retryAt := seg.RetryAt
		v.RetryAt = &retryAt
	}
	return v
}

func (h *WorkerHandler) ListSegments(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := domain.SessionID(c.Param("id"))
	if err := validation.ValidateSessionID(string(sessionID)); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	known, err := h.store.Sessions(ctx)
	if err != nil {
		c.Error(errors.NewStorageError("failed to list sessions", err))
		return
	}
	found := false
	for _, s := range known {
		if s == sessionID {
			found = true
			break
		}
	}
	if !found {
		c.Error(errors.NewNotFoundError("session"))
		return
	}

	dir, err := h.store.SessionDirectory(ctx, sessionID)
	if err != nil {
		c.Error(errors.NewStorageError("failed to open session", err))
		return
	}
	segs, err := dir.ListSegments(ctx)
	if err != nil {
		c.Error(errors.NewStorageError("failed to list segments", err))
		return
	}

	views := make([]segmentView, 0, len(segs))
	for _, seg := range segs {
		views = append(views, toSegmentView(seg))
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId": sessionID,
		"segments":  views,
	})
}

// RetryFailed makes the session's FAILED segments eligible immediately and starts a pass.
func (h *WorkerHandler) RetryFailed(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))
	if err := validation.ValidateSessionID(string(sessionID)); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	n, err := h.retrier.RetryFailed(c.Request.Context(), sessionID)
	if err != nil {
		c.Error(err)
		return
	}
	if n > 0 {
		h.drainer.Trigger(sessionID)
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId": sessionID,
		"reset":     n,
	})
}

func (h *WorkerHandler) Stats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		c.Error(errors.NewStorageError("failed to read queue stats", err))
		return
	}
	resp := gin.H{
		"queue": gin.H{
			"sessions":  stats.Sessions,
			"pending":   stats.Pending,
			"uploading": stats.Uploading,
			"uploaded":  stats.Uploaded,
			"failed":    stats.Failed,
			"bytes":     stats.Bytes,
		},
		"connections": h.socket.ConnectionCount(),
	}
	if h.reports != nil {
		report, at := h.reports.LastReport()
		if !at.IsZero() {
			resp["lastDrain"] = gin.H{
				"at":       at,
				"uploaded": report.Uploaded,
				"failed":   report.Failed,
				"requeued": report.Requeued,
				"skipped":  report.Skipped,
			}
		}
	}
	c.JSON(http.StatusOK, resp)
}

// ServeWorker upgrades a tab's connection to the shared worker channel.
func (h *WorkerHandler) ServeWorker(c *gin.Context) {
	sessionID := domain.SessionID(c.Query("session"))
	if sessionID != "" {
		if err := validation.ValidateSessionID(string(sessionID)); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
	}
	if claims, ok := middleware.SessionClaims(c); ok && claims.SessionID != services.AllSessions {
		if sessionID == "" {
			sessionID = claims.SessionID
		}
	}
	if sessionID != "" && !middleware.Authorized(c, h.auth, sessionID) {
		return
	}
	h.socket.ServeWS(c.Writer, c.Request, sessionID)
}
