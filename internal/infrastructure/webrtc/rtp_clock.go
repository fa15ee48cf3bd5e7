package webrtc

import (
	"sync"
	"time"

	"rillcap/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"
)

const defaultVideoClockRate = 90000

// ntpEpochOffset is the number of seconds between 1900-01-01 and 1970-01-01.
const ntpEpochOffset = 2208988800

// RTPFrameClock derives playback media time from the RTP timestamps of a received
// video track. A frame is presented when its last packet (marker bit) arrives.
// It is a ports.MediaElement with the frame-accurate capability.
type RTPFrameClock struct {
	mu        sync.Mutex
	clockRate uint32
	started   bool
	lastTS    uint32
	// extended is the unwrapped timestamp distance from the first packet.
	extended    int64
	maxExtended int64
	seconds     float64
	frames      uint64

	srNTP      uint64
	srExtended int64
	haveSR     bool

	callbacks map[uint64]ports.FrameCallback
	nextID    uint64

	logger *zap.SugaredLogger
}

var (
	_ ports.MediaElement  = (*RTPFrameClock)(nil)
	_ ports.FrameNotifier = (*RTPFrameClock)(nil)
)

func NewRTPFrameClock(clockRate uint32, logger *zap.SugaredLogger) *RTPFrameClock {
	if clockRate == 0 {
		clockRate = defaultVideoClockRate
	}
	return &RTPFrameClock{
		clockRate: clockRate,
		callbacks: make(map[uint64]ports.FrameCallback),
		logger:    logger,
	}
}

// SetClockRate applies the negotiated codec clock rate. Media time restarts.
func (c *RTPFrameClock) SetClockRate(rate uint32) {
	if rate == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if rate == c.clockRate {
		return
	}
	c.clockRate = rate
	c.started = false
	c.extended, c.maxExtended, c.seconds = 0, 0, 0
	c.haveSR = false
}

// HandlePacket advances the clock. Reordered packets never move media time back.
func (c *RTPFrameClock) HandlePacket(pkt *rtp.Packet) {
	c.mu.Lock()
	if !c.started {
		c.started = true
		c.lastTS = pkt.Timestamp
	}
	c.extended += int64(int32(pkt.Timestamp - c.lastTS))
	c.lastTS = pkt.Timestamp
	if c.extended > c.maxExtended {
		c.maxExtended = c.extended
	}

	if !pkt.Marker {
		c.mu.Unlock()
		return
	}

	c.seconds = float64(c.maxExtended) / float64(c.clockRate)
	c.frames++
	seconds := c.seconds
	cbs := make([]ports.FrameCallback, 0, len(c.callbacks))
	for _, cb := range c.callbacks {
		cbs = append(cbs, cb)
	}
	c.mu.Unlock()

	for _, cb := range cbs {
		cb(seconds)
	}
}

// HandleSenderReport records the sender's wall clock for the given RTP timestamp.
func (c *RTPFrameClock) HandleSenderReport(sr *rtcp.SenderReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.srNTP = sr.NTPTime
	c.srExtended = c.extended + int64(int32(sr.RTPTime-c.lastTS))
	c.haveSR = true
}

// SenderClock maps media time to the sender's wall clock, as of the last sender report.
func (c *RTPFrameClock) SenderClock() (wall time.Time, mediaSeconds float64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.haveSR {
		return time.Time{}, 0, false
	}
	return ntpToTime(c.srNTP), float64(c.srExtended) / float64(c.clockRate), true
}

func ntpToTime(ntp uint64) time.Time {
	secs := int64(ntp>>32) - ntpEpochOffset
	nanos := int64((ntp & 0xffffffff) * 1e9 >> 32)
	return time.Unix(secs, nanos)
}

// CurrentTime is the media time of the last presented frame, in seconds.
func (c *RTPFrameClock) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seconds
}

func (c *RTPFrameClock) Frames() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// RequestFrameCallbacks invokes cb for every presented frame until cancel is called.
func (c *RTPFrameClock) RequestFrameCallbacks(cb ports.FrameCallback) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.callbacks[id] = cb
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.callbacks, id)
		c.mu.Unlock()
	}
}
