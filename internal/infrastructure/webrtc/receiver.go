package webrtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// WebRTCConfig WebRTC configuration
type WebRTCConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// StreamReceiver answers the game stream's offer as a receive-only peer and feeds
// the video track's RTP timestamps into an RTPFrameClock.
type StreamReceiver struct {
	config WebRTCConfig
	clock  *RTPFrameClock

	mu sync.Mutex
	pc *webrtc.PeerConnection

	logger *zap.SugaredLogger
}

func NewStreamReceiver(config WebRTCConfig, clock *RTPFrameClock, logger *zap.SugaredLogger) *StreamReceiver {
	return &StreamReceiver{
		config: config,
		clock:  clock,
		logger: logger,
	}
}

func (r *StreamReceiver) Clock() *RTPFrameClock {
	return r.clock
}

// Accept answers offer. A previous connection, if any, is closed first.
func (r *StreamReceiver) Accept(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	pc, err := r.createPeerConnection()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create peer connection: %w", err)
	}

	fail := func(err error) (webrtc.SessionDescription, error) {
		_ = pc.Close()
		return webrtc.SessionDescription{}, err
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return fail(fmt.Errorf("failed to add video transceiver: %w", err))
	}

	pc.OnTrack(r.handleTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		r.logger.Infow("game stream connection state changed", "connection_state", state)
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		return fail(fmt.Errorf("invalid offer: %w", err))
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("failed to create answer: %w", err))
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail(fmt.Errorf("failed to set local description: %w", err))
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	r.mu.Lock()
	previous := r.pc
	r.pc = pc
	r.mu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}

	return *pc.LocalDescription(), nil
}

func (r *StreamReceiver) createPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers: r.config.ICEServers,
	}

	settingEngine := webrtc.SettingEngine{}
	if r.config.PortRange.Min > 0 && r.config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(r.config.PortRange.Min, r.config.PortRange.Max); err != nil {
			return nil, err
		}
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

func (r *StreamReceiver) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeVideo {
		return
	}
	r.logger.Infow("game stream video track started",
		"track_id", track.ID(),
		"codec", track.Codec().MimeType,
		"clock_rate", track.Codec().ClockRate,
	)
	r.clock.SetClockRate(track.Codec().ClockRate)

	go r.readRTCP(receiver)

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			r.logger.Infow("game stream video track ended", "track_id", track.ID(), "frames", r.clock.Frames(), "error", err)
			return
		}
		r.clock.HandlePacket(pkt)
	}
}

// readRTCP keeps the interceptors fed and picks up sender reports.
func (r *StreamReceiver) readRTCP(receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range packets {
			if sr, ok := p.(*rtcp.SenderReport); ok {
				r.clock.HandleSenderReport(sr)
			}
		}
	}
}

func (r *StreamReceiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pc == nil {
		return nil
	}
	err := r.pc.Close()
	r.pc = nil
	return err
}
