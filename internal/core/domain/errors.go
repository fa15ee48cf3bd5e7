package domain

import "errors"

var (
	ErrSegmentNotFound     = errors.New("segment not found")
	ErrSegmentNotClaimable = errors.New("segment not claimable")
	ErrClaimLost           = errors.New("segment claim lost to another owner")
	ErrNoActiveSegment     = errors.New("no active segment")
	ErrRecordingActive     = errors.New("recording already active")
	ErrWorkerUnavailable   = errors.New("shared worker unavailable")
	ErrUnknownMessage      = errors.New("unknown worker message type")
)
