package domain

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegment_Claimable(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		seg  Segment
		want bool
	}{
		{"pending", Segment{State: UploadStatePending}, true},
		{"uploading with live lease", Segment{State: UploadStateUploading, ClaimExpiresAt: now.Add(time.Minute)}, false},
		{"uploading with expired lease", Segment{State: UploadStateUploading, ClaimExpiresAt: now.Add(-time.Second)}, true},
		{"failed in cooldown", Segment{State: UploadStateFailed, RetryAt: now.Add(time.Minute)}, false},
		{"failed past cooldown", Segment{State: UploadStateFailed, RetryAt: now.Add(-time.Minute)}, true},
		{"uploaded", Segment{State: UploadStateUploaded}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.seg.Claimable(now))
		})
	}
}

func TestSegment_CloneIsDeep(t *testing.T) {
	seg := &Segment{
		SessionID: "s",
		LocalID:   "l",
		Video:     []byte{1, 2, 3},
		InputLogs: []InputLogRecord{{Type: InputKeyDown, Code: "KeyW"}},
	}

	cp := seg.Clone()
	cp.Video[0] = 9
	cp.InputLogs[0].Code = "KeyS"

	assert.Equal(t, byte(1), seg.Video[0])
	assert.Equal(t, "KeyW", seg.InputLogs[0].Code)
	assert.Nil(t, seg.Metadata().Video)
}

func TestMessage_WireShape(t *testing.T) {
	data, err := EncodeMessage(SegmentUploaded{
		SessionID:       "sess-1",
		LocalSegmentID:  "seg-1",
		RemoteSegmentID: "remote-1",
		S3URL:           "https://bucket/remote-1",
	})
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "SEGMENT_UPLOADED", raw["type"])

	payload := raw["payload"].(map[string]interface{})
	assert.Equal(t, "seg-1", payload["localSegmentId"])
	assert.Equal(t, "remote-1", payload["remoteSegmentId"])
	assert.Equal(t, "https://bucket/remote-1", payload["s3Url"])
}

func TestDecodeMessage_DispatchesByType(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"type":"SEGMENT_FAILED","payload":{"localSegmentId":"seg-2","reason":"503 Service Unavailable","attempts":3}}`))
	require.NoError(t, err)

	failed, ok := msg.(SegmentFailed)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, LocalSegmentID("seg-2"), failed.LocalSegmentID)
	assert.Equal(t, "503 Service Unavailable", failed.Reason)
	assert.Equal(t, 3, failed.Attempts)
}

func TestDecodeMessage_ProcessUploadsWithoutPayload(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"type":"PROCESS_UPLOADS"}`))
	require.NoError(t, err)
	assert.Equal(t, ProcessUploads{}, msg)
}

func TestDecodeMessage_UnknownType(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":"CLEAR_STORAGE"}`))
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = DecodeMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestInputLogRecord_PrimaryClickKeepsFields(t *testing.T) {
	data, err := json.Marshal(InputLogRecord{Type: InputMouseDown, MediaTimeMs: 10, SegmentID: "seg-1"})
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, 0.0, fields["button"])
	assert.Equal(t, 0.0, fields["x"])
	assert.Equal(t, 0.0, fields["y"])
	assert.NotContains(t, fields, "code")
}

func TestMessageSession(t *testing.T) {
	assert.Equal(t, SessionID("s1"), MessageSession(SegmentUploaded{SessionID: "s1"}))
	assert.Equal(t, SessionID("s2"), MessageSession(SegmentFailed{SessionID: "s2"}))
	assert.Equal(t, SessionID("s3"), MessageSession(SegmentRequeued{SessionID: "s3"}))
	assert.Empty(t, MessageSession(DrainCompleted{Uploaded: 1}))
	assert.Empty(t, MessageSession(ProcessUploads{SessionID: "s1"}))
}

func TestRawInputEvent_Wellformed(t *testing.T) {
	tests := []struct {
		name string
		ev   RawInputEvent
		want bool
	}{
		{"keydown with code", RawInputEvent{Type: "keydown", Code: "KeyW", Key: "w"}, true},
		{"keydown without code", RawInputEvent{Type: "keydown", Key: "w"}, false},
		{"normalized type", RawInputEvent{Type: "MOUSE_MOVE", X: 1, Y: 2}, true},
		{"unknown type", RawInputEvent{Type: "touchstart"}, false},
		{"nan coordinate", RawInputEvent{Type: "mousemove", X: math.NaN()}, false},
		{"wheel", RawInputEvent{Type: "wheel", DeltaY: -120}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ev.Wellformed())
		})
	}
}
