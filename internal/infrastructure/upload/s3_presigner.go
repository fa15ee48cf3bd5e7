package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// S3Presigner issues presigned PUT URLs directly when the worker holds bucket
// credentials. The input log is written next to the video as <key>.inputs.json.
type S3Presigner struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
	ttl     time.Duration
}

var _ ports.UploadTargetProvider = (*S3Presigner)(nil)

// S3Options configures the presigner. Endpoint is set for S3-compatible stores.
type S3Options struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
	URLTTL   time.Duration
}

// NewS3Presigner loads AWS credentials from the default chain.
func NewS3Presigner(ctx context.Context, opts S3Options) (*S3Presigner, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3PresignerFromClient(client, opts), nil
}

func NewS3PresignerFromClient(client *s3.Client, opts S3Options) *S3Presigner {
	ttl := opts.URLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &S3Presigner{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  opts.Bucket,
		prefix:  strings.Trim(opts.Prefix, "/"),
		ttl:     ttl,
	}
}

func (p *S3Presigner) objectKey(seg *domain.Segment, remoteID domain.RemoteSegmentID) string {
	return path.Join(p.prefix, string(seg.SessionID), string(remoteID)+extensionFor(seg.ContentType))
}

func extensionFor(contentType string) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	switch strings.TrimSpace(mediaType) {
	case "video/webm":
		return ".webm"
	case "video/mp4":
		return ".mp4"
	case BuildPackageContentType:
		return ".zip"
	}
	return ".bin"
}

func (p *S3Presigner) RequestTarget(ctx context.Context, seg *domain.Segment) (*ports.UploadTarget, error) {
	remoteID := domain.RemoteSegmentID(uuid.NewString())
	key := p.objectKey(seg, remoteID)

	logs := seg.InputLogs
	if logs == nil {
		logs = []domain.InputLogRecord{}
	}
	logJSON, err := json.Marshal(logs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input logs: %w", err)
	}
	if _, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key + ".inputs.json"),
		Body:        bytes.NewReader(logJSON),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return nil, fmt.Errorf("failed to store input log in S3: %w", err)
	}

	req, err := p.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(seg.ContentType),
	}, s3.WithPresignExpires(p.ttl))
	if err != nil {
		return nil, fmt.Errorf("failed to presign upload: %w", err)
	}

	headers := make(map[string]string, len(req.SignedHeader))
	for k, v := range req.SignedHeader {
		if len(v) > 0 && !strings.EqualFold(k, "Host") {
			headers[k] = v[0]
		}
	}
	return &ports.UploadTarget{
		RemoteID:  remoteID,
		URL:       req.URL,
		S3URL:     fmt.Sprintf("s3://%s/%s", p.bucket, key),
		Headers:   headers,
		ExpiresAt: time.Now().Add(p.ttl),
	}, nil
}
