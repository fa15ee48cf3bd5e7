package domain

import (
	"fmt"
	"time"
)

type SessionID string
type LocalSegmentID string
type RemoteSegmentID string

type UploadState string

const (
	UploadStatePending   UploadState = "PENDING"
	UploadStateUploading UploadState = "UPLOADING"
	UploadStateUploaded  UploadState = "UPLOADED"
	UploadStateFailed    UploadState = "FAILED"
)

func (s UploadState) Valid() bool {
	switch s {
	case UploadStatePending, UploadStateUploading, UploadStateUploaded, UploadStateFailed:
		return true
	}
	return false
}

// SegmentKey is unique per (session, local segment).
type SegmentKey struct {
	SessionID SessionID
	LocalID   LocalSegmentID
}

func (k SegmentKey) String() string {
	return fmt.Sprintf("%s/%s", k.SessionID, k.LocalID)
}

// Segment is one finalized slice of recorded video plus its input log.
// Only the upload bookkeeping fields change after finalization.
type Segment struct {
	SessionID     SessionID
	LocalID       LocalSegmentID
	RemoteID      RemoteSegmentID
	Video         []byte
	ContentType   string
	StartOffsetMs int64
	EndOffsetMs   int64
	InputLogs     []InputLogRecord

	State          UploadState
	Attempts       int
	LastError      string
	ClaimOwner     string
	ClaimExpiresAt time.Time
	RetryAt        time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (s *Segment) Key() SegmentKey {
	return SegmentKey{SessionID: s.SessionID, LocalID: s.LocalID}
}

func (s *Segment) Size() int64 {
	return int64(len(s.Video))
}

// Claimable reports whether a drainer may take the segment at now.
func (s *Segment) Claimable(now time.Time) bool {
	switch s.State {
	case UploadStatePending:
		return true
	case UploadStateUploading:
		return !s.ClaimExpiresAt.IsZero() && !now.Before(s.ClaimExpiresAt)
	case UploadStateFailed:
		return !now.Before(s.RetryAt)
	}
	return false
}

// Metadata returns a copy without the video payload.
func (s *Segment) Metadata() Segment {
	cp := *s
	cp.Video = nil
	cp.InputLogs = append([]InputLogRecord(nil), s.InputLogs...)
	return cp
}

// Clone returns a deep copy.
func (s *Segment) Clone() *Segment {
	cp := s.Metadata()
	cp.Video = append([]byte(nil), s.Video...)
	return &cp
}

// SegmentSummary is the listing view exposed over the worker API.
type SegmentSummary struct {
	SessionID     SessionID       `json:"sessionId"`
	LocalID       LocalSegmentID  `json:"localSegmentId"`
	RemoteID      RemoteSegmentID `json:"remoteSegmentId,omitempty"`
	State         UploadState     `json:"uploadState"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"reason,omitempty"`
	SizeBytes     int64           `json:"sizeBytes"`
	StartOffsetMs int64           `json:"startOffsetMs"`
	EndOffsetMs   int64           `json:"endOffsetMs"`
	InputLogCount int             `json:"inputLogCount"`
	RetryAt       *time.Time      `json:"retryAt,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (s *Segment) Summary() SegmentSummary {
	sum := SegmentSummary{
		SessionID:     s.SessionID,
		LocalID:       s.LocalID,
		RemoteID:      s.RemoteID,
		State:         s.State,
		Attempts:      s.Attempts,
		LastError:     s.LastError,
		SizeBytes:     s.Size(),
		StartOffsetMs: s.StartOffsetMs,
		EndOffsetMs:   s.EndOffsetMs,
		InputLogCount: len(s.InputLogs),
		UpdatedAt:     s.UpdatedAt,
	}
	if s.State == UploadStateFailed && !s.RetryAt.IsZero() {
		retryAt := s.RetryAt
		sum.RetryAt = &retryAt
	}
	return sum
}

// StoreStats counts segments per state.
type StoreStats struct {
	Sessions  int
	Pending   int
	Uploading int
	Uploaded  int
	Failed    int
	Bytes     int64
}

func (s StoreStats) Total() int {
	return s.Pending + s.Uploading + s.Uploaded + s.Failed
}
