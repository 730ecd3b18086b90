package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// LiveKitDialer joins rooms over the LiveKit server SDK and publishes an Opus
// microphone track for the agent's voice.
type LiveKitDialer struct {
	url string
}

func NewLiveKitDialer(url string) *LiveKitDialer {
	return &LiveKitDialer{url: url}
}

func (d *LiveKitDialer) Dial(ctx context.Context, room, identity, jwt string) (Conn, error) {
	lkRoom, err := lksdk.ConnectToRoomWithToken(d.url, jwt, &lksdk.RoomCallback{})
	if err != nil {
		return nil, fmt.Errorf("join room %s: %w", room, err)
	}
	if ctx.Err() != nil {
		lkRoom.Disconnect()
		return nil, ctx.Err()
	}

	track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  1,
	})
	if err != nil {
		lkRoom.Disconnect()
		return nil, fmt.Errorf("%w: create voice track: %v", ErrPublish, err)
	}

	if _, err := lkRoom.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   "agent-voice",
		Source: livekit.TrackSource_MICROPHONE,
	}); err != nil {
		lkRoom.Disconnect()
		return nil, fmt.Errorf("%w: voice track: %v", ErrPublish, err)
	}

	return &liveKitConn{room: lkRoom, track: track}, nil
}

type liveKitConn struct {
	room  *lksdk.Room
	track *lksdk.LocalSampleTrack
}

// PublishAudio paces the encoded frames onto the track at their real-time
// rate; writing faster than the frame duration makes playback stutter.
func (c *liveKitConn) PublishAudio(ctx context.Context, pcmFrames [][]byte, frameDuration time.Duration) error {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for _, frame := range pcmFrames {
		if err := c.track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}, nil); err != nil {
			return fmt.Errorf("write audio sample: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (c *liveKitConn) Close() error {
	c.room.Disconnect()
	return nil
}
