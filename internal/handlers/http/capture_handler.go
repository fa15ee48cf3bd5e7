package http

import (
	"io"
	"net/http"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/services"
	"rillcap/internal/infrastructure/media"
	rtc "rillcap/internal/infrastructure/webrtc"
	"rillcap/pkg/errors"
	"rillcap/pkg/validation"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	defaultMaxSegmentBytes = 512 << 20
	maxEventBatch          = 1000
)

// CaptureHandler is the page-facing API of a capture agent.
type CaptureHandler struct {
	agent    *services.CaptureAgent
	playback *media.PlaybackElement
	receiver *rtc.StreamReceiver
	maxBytes int64
	logger   *zap.SugaredLogger
}

// NewCaptureHandler wires the capture API. receiver may be nil when the agent does not
// take the game stream over WebRTC.
func NewCaptureHandler(agent *services.CaptureAgent, playback *media.PlaybackElement, receiver *rtc.StreamReceiver, logger *zap.SugaredLogger) *CaptureHandler {
	return &CaptureHandler{
		agent:    agent,
		playback: playback,
		receiver: receiver,
		maxBytes: defaultMaxSegmentBytes,
		logger:   logger,
	}
}

// WithMaxSegmentBytes caps the video body of rotate and stop requests.
func (h *CaptureHandler) WithMaxSegmentBytes(n int64) *CaptureHandler {
	if n > 0 {
		h.maxBytes = n
	}
	return h
}

func (h *CaptureHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/capture")
	{
		api.POST("/start", h.Start)
		api.POST("/rotate", h.Rotate)
		api.POST("/stop", h.Stop)
		api.POST("/events", h.Events)
		api.POST("/playback", h.Playback)
		api.POST("/retry", h.RetryPending)
		api.GET("/status", h.Status)
		if h.receiver != nil {
			api.POST("/webrtc/offer", h.Offer)
		}
	}
}

type startRequest struct {
	SessionID   domain.SessionID `json:"sessionId" binding:"required"`
	ContentType string           `json:"contentType"`
}

func (h *CaptureHandler) Start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateSessionID(string(req.SessionID)); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.agent.Start(c.Request.Context(), req.SessionID, req.ContentType); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, h.agent.Status())
}

// readVideo reads the encoded video of the segment being sealed from the raw request body.
func (h *CaptureHandler) readVideo(c *gin.Context) ([]byte, error) {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)
	video, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.NewInvalidInputError("segment too large or unreadable").
			WithContext("max_bytes", humanize.IBytes(uint64(h.maxBytes)))
	}
	return video, nil
}

type segmentResponse struct {
	SessionID     domain.SessionID      `json:"sessionId"`
	LocalID       domain.LocalSegmentID `json:"localSegmentId"`
	SizeBytes     int64                 `json:"sizeBytes"`
	InputLogs     int                   `json:"inputLogs"`
	StartOffsetMs int64                 `json:"startOffsetMs"`
	EndOffsetMs   int64                 `json:"endOffsetMs"`
}

func toSegmentResponse(seg *domain.Segment) segmentResponse {
	return segmentResponse{
		SessionID:     seg.SessionID,
		LocalID:       seg.LocalID,
		SizeBytes:     seg.Size(),
		InputLogs:     len(seg.InputLogs),
		StartOffsetMs: seg.StartOffsetMs,
		EndOffsetMs:   seg.EndOffsetMs,
	}
}

// sealed answers a rotate or stop. A storage failure still reports the sealed segment:
// the agent keeps it for a later retry.
func (h *CaptureHandler) sealed(c *gin.Context, seg *domain.Segment, err error) {
	if seg == nil {
		c.Error(err)
		return
	}
	if err != nil {
		h.logger.Warnw("segment sealed but not persisted", "segment_id", seg.LocalID, "error", err)
		c.JSON(http.StatusAccepted, gin.H{
			"segment":   toSegmentResponse(seg),
			"persisted": false,
			"error":     err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"segment":   toSegmentResponse(seg),
		"persisted": true,
	})
}

func (h *CaptureHandler) Rotate(c *gin.Context) {
	video, err := h.readVideo(c)
	if err != nil {
		c.Error(err)
		return
	}
	seg, err := h.agent.Rotate(c.Request.Context(), video)
	h.sealed(c, seg, err)
}

func (h *CaptureHandler) Stop(c *gin.Context) {
	video, err := h.readVideo(c)
	if err != nil {
		c.Error(err)
		return
	}
	seg, err := h.agent.Stop(c.Request.Context(), video)
	h.sealed(c, seg, err)
}

type eventsRequest struct {
	Events []domain.RawInputEvent `json:"events"`
}

func (h *CaptureHandler) Events(c *gin.Context) {
	var req eventsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if len(req.Events) > maxEventBatch {
		c.Error(errors.NewInvalidInputError("too many events in one batch").WithContext("max", maxEventBatch))
		return
	}

	logged, err := h.agent.HandleEvents(req.Events)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"received": len(req.Events),
		"logged":   logged,
	})
}

// Playback takes a position report of the page's video element and makes it the media clock.
func (h *CaptureHandler) Playback(c *gin.Context) {
	var report media.PlaybackReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := h.playback.Report(report); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	h.agent.Bind(h.playback)
	c.Status(http.StatusNoContent)
}

// Offer answers the game stream's SDP offer. The received video track becomes the media clock.
func (h *CaptureHandler) Offer(c *gin.Context) {
	var offer webrtc.SessionDescription
	if err := c.ShouldBindJSON(&offer); err != nil || offer.Type != webrtc.SDPTypeOffer {
		c.Error(errors.NewInvalidInputError("invalid SDP offer"))
		return
	}

	answer, err := h.receiver.Accept(c.Request.Context(), offer)
	if err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	h.agent.Bind(h.receiver.Clock())
	c.JSON(http.StatusOK, answer)
}

func (h *CaptureHandler) RetryPending(c *gin.Context) {
	n, err := h.agent.RetryPending(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"persisted": n})
}

func (h *CaptureHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.agent.Status())
}
