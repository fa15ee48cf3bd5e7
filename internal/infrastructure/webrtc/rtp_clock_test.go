package webrtc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func frame(ts uint32) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Timestamp: ts, Marker: true}}
}

func TestRTPFrameClock_AdvancesOnMarker(t *testing.T) {
	c := NewRTPFrameClock(0, zaptest.NewLogger(t).Sugar())
	assert.Equal(t, 0.0, c.CurrentTime())

	c.HandlePacket(frame(1_000_000))
	assert.Equal(t, 0.0, c.CurrentTime())

	// partial frame: no presentation yet
	c.HandlePacket(&rtp.Packet{Header: rtp.Header{Timestamp: 1_000_000 + 3000}})
	assert.Equal(t, 0.0, c.CurrentTime())

	c.HandlePacket(frame(1_000_000 + 3000))
	assert.InDelta(t, 3000.0/90000, c.CurrentTime(), 1e-9)

	c.HandlePacket(frame(1_000_000 + 90000))
	assert.InDelta(t, 1.0, c.CurrentTime(), 1e-9)
	assert.Equal(t, uint64(3), c.Frames())
}

func TestRTPFrameClock_TimestampWraparound(t *testing.T) {
	c := NewRTPFrameClock(90000, zaptest.NewLogger(t).Sugar())
	start := uint32(0xFFFFFFFF - 45000 + 1)
	c.HandlePacket(frame(start))
	c.HandlePacket(frame(start + 90000)) // wraps
	assert.InDelta(t, 1.0, c.CurrentTime(), 1e-9)
}

func TestRTPFrameClock_ReorderingNeverGoesBack(t *testing.T) {
	c := NewRTPFrameClock(90000, zaptest.NewLogger(t).Sugar())
	c.HandlePacket(frame(0))
	c.HandlePacket(frame(9000))
	c.HandlePacket(frame(6000)) // late
	assert.InDelta(t, 0.1, c.CurrentTime(), 1e-9)
	c.HandlePacket(frame(12000))
	assert.InDelta(t, 12000.0/90000, c.CurrentTime(), 1e-9)
}

func TestRTPFrameClock_Callbacks(t *testing.T) {
	c := NewRTPFrameClock(90000, zaptest.NewLogger(t).Sugar())

	var mu sync.Mutex
	var seen []float64
	cancel := c.RequestFrameCallbacks(func(mediaTime float64) {
		mu.Lock()
		seen = append(seen, mediaTime)
		mu.Unlock()
	})

	c.HandlePacket(frame(0))
	c.HandlePacket(frame(45000))
	cancel()
	c.HandlePacket(frame(90000))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.InDelta(t, 0.5, seen[1], 1e-9)
}

func TestRTPFrameClock_SenderReport(t *testing.T) {
	c := NewRTPFrameClock(90000, zaptest.NewLogger(t).Sugar())

	_, _, ok := c.SenderClock()
	assert.False(t, ok)

	c.HandlePacket(frame(1000))
	wall := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ntp := uint64(wall.Unix()+ntpEpochOffset) << 32
	c.HandleSenderReport(&rtcp.SenderReport{NTPTime: ntp, RTPTime: 1000 + 180000})

	gotWall, media, ok := c.SenderClock()
	require.True(t, ok)
	assert.True(t, wall.Equal(gotWall))
	assert.InDelta(t, 2.0, media, 1e-9)
}

func TestRTPFrameClock_SetClockRateRestarts(t *testing.T) {
	c := NewRTPFrameClock(90000, zaptest.NewLogger(t).Sugar())
	c.HandlePacket(frame(0))
	c.HandlePacket(frame(90000))
	c.SetClockRate(48000)
	assert.Equal(t, 0.0, c.CurrentTime())
	c.HandlePacket(frame(5))
	c.HandlePacket(frame(5 + 24000))
	assert.InDelta(t, 0.5, c.CurrentTime(), 1e-9)
}

func TestStreamReceiver_RejectsBadOffer(t *testing.T) {
	r := NewStreamReceiver(WebRTCConfig{}, NewRTPFrameClock(0, zaptest.NewLogger(t).Sugar()), zaptest.NewLogger(t).Sugar())
	defer r.Close()

	_, err := r.Accept(context.Background(), webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "garbage"})
	assert.Error(t, err)
}
