package media

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

var ErrNoDevice = errors.New("media: no device satisfies constraints")

// Constraints selects which kinds a stream should carry.
type Constraints struct {
	Audio bool
	Video bool
}

// DeviceProvider captures local media. Capture may block on the device or on
// a permission prompt, so both calls take a context.
type DeviceProvider interface {
	LocalStream(ctx context.Context, c Constraints) (*Handle, error)
	DisplayStream(ctx context.Context, c Constraints) (*Handle, error)
}

// SampleProvider hands out SampleTracks that the caller feeds with encoded
// frames. It needs no capture hardware and backs headless participants.
type SampleProvider struct {
	StreamPrefix string
}

func (p SampleProvider) LocalStream(ctx context.Context, c Constraints) (*Handle, error) {
	return p.stream(ctx, "camera", c)
}

// DisplayStream yields video only; audio in c is ignored.
func (p SampleProvider) DisplayStream(ctx context.Context, c Constraints) (*Handle, error) {
	return p.stream(ctx, "screen", Constraints{Video: c.Video})
}

func (p SampleProvider) stream(ctx context.Context, source string, c Constraints) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, ErrNoDevice
	}

	prefix := p.StreamPrefix
	if prefix == "" {
		prefix = "local"
	}
	streamID := prefix + "-" + source + "-" + uuid.NewString()

	var tracks []Track
	if c.Audio {
		t, err := NewSampleTrack(webrtc.RTPCodecTypeAudio, source+"-audio", streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := NewSampleTrack(webrtc.RTPCodecTypeVideo, source+"-video", streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return NewHandle(tracks...), nil
}
