package media

import (
	"errors"
	"math"
	"sync"
	"time"

	"rillcap/internal/core/ports"
)

var ErrInvalidPosition = errors.New("invalid playback position")

// PlaybackReport is what the page posts about its video element.
type PlaybackReport struct {
	CurrentTime  float64 `json:"currentTime"`
	Paused       bool    `json:"paused"`
	PlaybackRate float64 `json:"playbackRate,omitempty"`
}

// PlaybackElement is a MediaElement driven by position reports. Between reports
// a playing element is extrapolated from the wall clock. It has no frame callbacks.
type PlaybackElement struct {
	mu       sync.Mutex
	position float64
	paused   bool
	rate     float64
	at       time.Time
	reported bool

	now func() time.Time
}

var _ ports.MediaElement = (*PlaybackElement)(nil)

func NewPlaybackElement() *PlaybackElement {
	return &PlaybackElement{paused: true, rate: 1, now: time.Now}
}

func (e *PlaybackElement) Report(r PlaybackReport) error {
	if math.IsNaN(r.CurrentTime) || math.IsInf(r.CurrentTime, 0) || r.CurrentTime < 0 {
		return ErrInvalidPosition
	}
	rate := r.PlaybackRate
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		rate = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.position = r.CurrentTime
	e.paused = r.Paused
	e.rate = rate
	e.at = e.now()
	e.reported = true
	return nil
}

// CurrentTime never runs backwards between two reports.
func (e *PlaybackElement) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.reported || e.paused {
		return e.position
	}
	elapsed := e.now().Sub(e.at).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return e.position + elapsed*e.rate
}

func (e *PlaybackElement) Reported() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reported
}
