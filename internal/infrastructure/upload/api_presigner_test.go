package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rillcap/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

func testSegment() *domain.Segment {
	return &domain.Segment{
		SessionID:     "sess-1",
		LocalID:       "seg-1",
		Video:         []byte("0123456789"),
		ContentType:   "video/webm;codecs=vp9",
		StartOffsetMs: 0,
		EndOffsetMs:   5000,
		InputLogs: []domain.InputLogRecord{
			{Type: domain.InputKeyDown, Code: "KeyW", MediaTimeMs: 120, SegmentID: "seg-1"},
		},
	}
}

func TestAPIPresigner_RequestTarget(t *testing.T) {
	var got presignRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/sessions/sess-1/segments", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"remoteSegmentId":"remote-9","uploadUrl":"https://bucket/put?sig","s3Url":"s3://bucket/k"}`)
	}))
	defer srv.Close()

	p := NewAPIPresigner(srv.URL+"/", "tok", 5*time.Second)
	target, err := p.RequestTarget(context.Background(), testSegment())
	require.NoError(t, err)

	assert.Equal(t, domain.RemoteSegmentID("remote-9"), target.RemoteID)
	assert.Equal(t, "https://bucket/put?sig", target.URL)
	assert.Equal(t, "s3://bucket/k", target.S3URL)

	assert.Equal(t, domain.LocalSegmentID("seg-1"), got.LocalSegmentID)
	assert.Equal(t, int64(10), got.SizeBytes)
	assert.Equal(t, int64(5000), got.EndOffsetMs)
	require.Len(t, got.InputLogs, 1)
	assert.Equal(t, "KeyW", got.InputLogs[0].Code)
}

func TestAPIPresigner_EmptyLogsSentAsArray(t *testing.T) {
	var raw map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_, _ = io.WriteString(w, `{"remoteSegmentId":"r","uploadUrl":"u"}`)
	}))
	defer srv.Close()

	seg := testSegment()
	seg.InputLogs = nil
	_, err := NewAPIPresigner(srv.URL, "", time.Second).RequestTarget(context.Background(), seg)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw["inputLogs"]))
}

func TestAPIPresigner_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, "boom"},
		{"malformed body", http.StatusOK, "{not json"},
		{"missing url", http.StatusOK, `{"remoteSegmentId":"r"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewAPIPresigner(srv.URL, "", time.Second).RequestTarget(context.Background(), testSegment())
			assert.Error(t, err)
		})
	}
}
