package logger

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const (
	sessionIDKey contextKey = "session_id"
	segmentIDKey contextKey = "segment_id"
	requestIDKey contextKey = "request_id"
)

// WithSessionID stores the recording session id on ctx for log enrichment.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// WithSegmentID stores the local segment id on ctx for log enrichment.
func WithSegmentID(ctx context.Context, segmentID string) context.Context {
	return context.WithValue(ctx, segmentIDKey, segmentID)
}

// WithRequestID stores an HTTP request id on ctx for log enrichment.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.SugaredLogger
}

// NewContextLogger creates a new context logger
func NewContextLogger(logger *zap.SugaredLogger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// WithContext returns a logger carrying the session, segment and request ids found on ctx.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.SugaredLogger {
	var fields []interface{}

	for _, key := range []contextKey{sessionIDKey, segmentIDKey, requestIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, string(key), v)
		}
	}

	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// Infow logs with context fields
func (cl *ContextLogger) Infow(ctx context.Context, msg string, keysAndValues ...interface{}) {
	cl.WithContext(ctx).Infow(msg, keysAndValues...)
}

// Warnw logs with context fields
func (cl *ContextLogger) Warnw(ctx context.Context, msg string, keysAndValues ...interface{}) {
	cl.WithContext(ctx).Warnw(msg, keysAndValues...)
}

// Errorw logs with context fields
func (cl *ContextLogger) Errorw(ctx context.Context, msg string, keysAndValues ...interface{}) {
	cl.WithContext(ctx).Errorw(msg, keysAndValues...)
}

// Debugw logs with context fields
func (cl *ContextLogger) Debugw(ctx context.Context, msg string, keysAndValues ...interface{}) {
	cl.WithContext(ctx).Debugw(msg, keysAndValues...)
}
