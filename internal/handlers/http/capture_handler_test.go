package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/services"
	"rillcap/internal/infrastructure/media"
	"rillcap/internal/infrastructure/middleware"
	"rillcap/internal/infrastructure/repositories/memory"
	rtc "rillcap/internal/infrastructure/webrtc"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type nopTrigger struct{}

func (nopTrigger) TriggerUpload(ctx context.Context, sessionID domain.SessionID) error { return nil }

type captureFixture struct {
	router *gin.Engine
	store  *memory.MemorySegmentStore
	agent  *services.CaptureAgent
}

func newCaptureFixture(t *testing.T) *captureFixture {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()
	store := memory.NewMemorySegmentStore()
	agent := services.NewCaptureAgent(services.CaptureAgentConfig{
		ContentType: "video/webm",
		InputLogger: services.DefaultInputLoggerConfig(),
	}, store, services.NewMediaTimeTracker(0, logger), nopTrigger{}, nil, logger)
	t.Cleanup(agent.Close)

	receiver := rtc.NewStreamReceiver(rtc.WebRTCConfig{}, rtc.NewRTPFrameClock(0, logger), logger)
	t.Cleanup(func() { receiver.Close() })

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	NewCaptureHandler(agent, media.NewPlaybackElement(), receiver, logger).SetupRoutes(router)
	return &captureFixture{router: router, store: store, agent: agent}
}

func (fx *captureFixture) post(t *testing.T, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)
	return w
}

func TestCaptureHandler_RecordingLifecycle(t *testing.T) {
	fx := newCaptureFixture(t)

	w := fx.post(t, "/api/v1/capture/start", []byte(`{"sessionId":"sess-1"}`))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	assert.Equal(t, http.StatusConflict, fx.post(t, "/api/v1/capture/start", []byte(`{"sessionId":"sess-1"}`)).Code)

	assert.Equal(t, http.StatusNoContent, fx.post(t, "/api/v1/capture/playback", []byte(`{"currentTime":1.5,"paused":true}`)).Code)
	assert.Equal(t, "polling", fx.agent.Status().MediaMode)

	w = fx.post(t, "/api/v1/capture/events", []byte(`{"events":[{"type":"keydown","code":"KeyA","key":"a"},{"type":"mousedown","button":0,"x":10,"y":20}]}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":2,"logged":2}`, w.Body.String())

	w = fx.post(t, "/api/v1/capture/rotate", []byte("webm-cluster"))
	require.Equal(t, http.StatusOK, w.Code)
	var rotated struct {
		Segment   segmentResponse `json:"segment"`
		Persisted bool            `json:"persisted"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rotated))
	assert.True(t, rotated.Persisted)
	assert.Equal(t, int64(len("webm-cluster")), rotated.Segment.SizeBytes)
	assert.Equal(t, 2, rotated.Segment.InputLogs)
	assert.Equal(t, int64(1500), rotated.Segment.EndOffsetMs)

	w = fx.post(t, "/api/v1/capture/stop", []byte("tail"))
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/capture/status", nil)
	w = httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var st services.CaptureStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.False(t, st.Recording)
	require.NotNil(t, st.Recorder)
	assert.Equal(t, 2, st.Recorder.Finalized)

	dir, err := fx.store.SessionDirectory(context.Background(), "sess-1")
	require.NoError(t, err)
	segs, err := dir.ListSegments(context.Background())
	require.NoError(t, err)
	assert.Len(t, segs, 2)
}

func TestCaptureHandler_RejectsBadInput(t *testing.T) {
	fx := newCaptureFixture(t)

	assert.Equal(t, http.StatusBadRequest, fx.post(t, "/api/v1/capture/start", []byte(`{}`)).Code)
	assert.Equal(t, http.StatusBadRequest, fx.post(t, "/api/v1/capture/start", []byte(`{"sessionId":"a/b"}`)).Code)
	assert.Equal(t, http.StatusBadRequest, fx.post(t, "/api/v1/capture/playback", []byte(`{"currentTime":-3}`)).Code)
	assert.Equal(t, http.StatusBadRequest, fx.post(t, "/api/v1/capture/events", []byte(`not json`)).Code)

	many := `{"events":[` + strings.TrimSuffix(strings.Repeat(`{"type":"keydown","code":"KeyA"},`, maxEventBatch+1), ",") + `]}`
	assert.Equal(t, http.StatusBadRequest, fx.post(t, "/api/v1/capture/events", []byte(many)).Code)
}

func TestCaptureHandler_NotRecording(t *testing.T) {
	fx := newCaptureFixture(t)

	assert.Equal(t, http.StatusConflict, fx.post(t, "/api/v1/capture/rotate", []byte("x")).Code)
	assert.Equal(t, http.StatusConflict, fx.post(t, "/api/v1/capture/stop", nil).Code)
	assert.Equal(t, http.StatusConflict, fx.post(t, "/api/v1/capture/events", []byte(`{"events":[]}`)).Code)
}

func TestCaptureHandler_InvalidOffer(t *testing.T) {
	fx := newCaptureFixture(t)

	assert.Equal(t, http.StatusBadRequest, fx.post(t, "/api/v1/capture/webrtc/offer", []byte(`{"type":"answer","sdp":"v=0"}`)).Code)
	assert.Equal(t, http.StatusBadRequest, fx.post(t, "/api/v1/capture/webrtc/offer", []byte(`{"type":"offer","sdp":"garbage"}`)).Code)
}

func TestCaptureHandler_SegmentSizeCap(t *testing.T) {
	fx := newCaptureFixture(t)
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	NewCaptureHandler(fx.agent, media.NewPlaybackElement(), nil, logger).WithMaxSegmentBytes(4).SetupRoutes(router)

	require.Equal(t, http.StatusCreated, fx.post(t, "/api/v1/capture/start", []byte(`{"sessionId":"sess-1"}`)).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/capture/rotate", bytes.NewReader([]byte("too-large")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// no receiver, no offer route
	req = httptest.NewRequest(http.MethodPost, "/api/v1/capture/webrtc/offer", bytes.NewReader([]byte(`{}`)))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
