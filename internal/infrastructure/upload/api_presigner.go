package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"
)

// APIPresigner asks the playtest backend for a presigned upload destination. The
// segment's input log travels with the request, so the backend has it before the video.
type APIPresigner struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ ports.UploadTargetProvider = (*APIPresigner)(nil)

func NewAPIPresigner(baseURL, token string, timeout time.Duration) *APIPresigner {
	return &APIPresigner{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type presignRequest struct {
	LocalSegmentID domain.LocalSegmentID   `json:"localSegmentId"`
	ContentType    string                  `json:"contentType"`
	SizeBytes      int64                   `json:"sizeBytes"`
	StartOffsetMs  int64                   `json:"startOffsetMs"`
	EndOffsetMs    int64                   `json:"endOffsetMs"`
	InputLogs      []domain.InputLogRecord `json:"inputLogs"`
}

func (p *APIPresigner) RequestTarget(ctx context.Context, seg *domain.Segment) (*ports.UploadTarget, error) {
	logs := seg.InputLogs
	if logs == nil {
		logs = []domain.InputLogRecord{}
	}
	payload, err := json.Marshal(presignRequest{
		LocalSegmentID: seg.LocalID,
		ContentType:    seg.ContentType,
		SizeBytes:      seg.Size(),
		StartOffsetMs:  seg.StartOffsetMs,
		EndOffsetMs:    seg.EndOffsetMs,
		InputLogs:      logs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal presign request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/sessions/%s/segments", p.baseURL, url.PathEscape(string(seg.SessionID)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build presign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("presign request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(msg))}
	}

	var target ports.UploadTarget
	if err := json.NewDecoder(resp.Body).Decode(&target); err != nil {
		return nil, fmt.Errorf("failed to decode presign response: %w", err)
	}
	if target.RemoteID == "" || target.URL == "" {
		return nil, fmt.Errorf("presign response is missing remoteSegmentId or uploadUrl")
	}
	return &target, nil
}
