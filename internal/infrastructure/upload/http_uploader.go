package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"rillcap/internal/core/ports"
	"rillcap/pkg/ratelimit"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// BuildPackageContentType is sent for build package uploads.
const BuildPackageContentType = "application/zip"

const maxErrorBody = 1024

// StatusError is a non-2xx answer from an upload destination.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upload rejected: %s", e.Status)
	}
	return fmt.Sprintf("upload rejected: %s: %s", e.Status, e.Body)
}

// HTTPUploader PUTs payloads to presigned URLs.
type HTTPUploader struct {
	client  *http.Client
	limiter *ratelimit.Limiter
	logger  *zap.SugaredLogger
}

var _ ports.SegmentUploader = (*HTTPUploader)(nil)

// NewHTTPUploader creates an uploader. timeout bounds a single request (0 = none);
// limiter throttles build package uploads and may be nil.
func NewHTTPUploader(timeout time.Duration, limiter *ratelimit.Limiter, logger *zap.SugaredLogger) *HTTPUploader {
	if limiter == nil {
		limiter = ratelimit.New(nil)
	}
	return &HTTPUploader{
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		logger:  logger,
	}
}

// Put sends body to target.URL. Any 2xx is success; anything else is a *StatusError
// carrying the response status and the start of its body.
func (u *HTTPUploader) Put(ctx context.Context, target *ports.UploadTarget, body io.Reader, size int64, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.URL, body)
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.ContentLength = size
	if size == 0 {
		req.Body = http.NoBody
	}
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload to %s failed: %w", redactURL(target.URL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(msg)),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// UploadBuildPackage PUTs the zip at path to a presigned URL through the rate limiter.
func (u *HTTPUploader) UploadBuildPackage(ctx context.Context, url, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open build package: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat build package: %w", err)
	}

	start := time.Now()
	target := &ports.UploadTarget{URL: url}
	if err := u.Put(ctx, target, u.limiter.NewThrottledReader(ctx, f), info.Size(), BuildPackageContentType); err != nil {
		return err
	}

	u.logger.Infow("build package uploaded",
		"file", path,
		"size", humanize.Bytes(uint64(info.Size())),
		"duration", time.Since(start),
		"destination", redactURL(url),
	)
	return nil
}

// redactURL hides the presigned query string, which is a credential.
func redactURL(raw string) string {
	base, _, ok := strings.Cut(raw, "?")
	if !ok {
		return raw
	}
	return base + "?<redacted>"
}
