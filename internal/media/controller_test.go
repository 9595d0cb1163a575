package media

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type replacement struct {
	kind  webrtc.RTPCodecType
	track webrtc.TrackLocal
}

type recordingReplacer struct {
	calls []replacement
}

func (r *recordingReplacer) ReplaceLocalTrack(kind webrtc.RTPCodecType, t webrtc.TrackLocal) {
	r.calls = append(r.calls, replacement{kind: kind, track: t})
}

type failingProvider struct{ err error }

func (p failingProvider) LocalStream(context.Context, Constraints) (*Handle, error)   { return nil, p.err }
func (p failingProvider) DisplayStream(context.Context, Constraints) (*Handle, error) { return nil, p.err }

func acquired(t *testing.T) *Controller {
	t.Helper()
	c := NewController(SampleProvider{StreamPrefix: "test"}, nil)
	require.NoError(t, c.Acquire(context.Background(), Constraints{Audio: true, Video: true}))
	return c
}

func TestAcquireIsIdempotent(t *testing.T) {
	c := acquired(t)
	first := c.Tracks()
	require.Len(t, first, 2)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, first[0].Kind())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, first[1].Kind())

	require.NoError(t, c.Acquire(context.Background(), Constraints{Audio: true, Video: true}))
	assert.Equal(t, first, c.Tracks())
	assert.True(t, c.Ready())
}

func TestAcquireFailureLeavesNotReady(t *testing.T) {
	deviceErr := errors.New("permission denied")
	c := NewController(failingProvider{err: deviceErr}, nil)

	err := c.Acquire(context.Background(), Constraints{Video: true})
	assert.ErrorIs(t, err, deviceErr)
	assert.False(t, c.Ready())
	assert.Nil(t, c.Tracks())
	assert.ErrorIs(t, c.SetEnabled(webrtc.RTPCodecTypeAudio, false), ErrNotReady)
}

// flakyProvider fails until its devices are allowed.
type flakyProvider struct {
	allowed bool
	SampleProvider
}

func (p *flakyProvider) LocalStream(ctx context.Context, c Constraints) (*Handle, error) {
	if !p.allowed {
		return nil, errors.New("permission denied")
	}
	return p.SampleProvider.LocalStream(ctx, c)
}

func TestLateAcquireReachesExistingLinks(t *testing.T) {
	devices := &flakyProvider{SampleProvider: SampleProvider{StreamPrefix: "late"}}
	c := NewController(devices, nil)
	r := &recordingReplacer{}
	c.SetReplacer(r)
	constraints := Constraints{Audio: true, Video: true}

	require.Error(t, c.Acquire(context.Background(), constraints))
	assert.Empty(t, r.calls)

	devices.allowed = true
	require.NoError(t, c.Acquire(context.Background(), constraints))
	require.Len(t, r.calls, 2)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, r.calls[0].kind)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, r.calls[1].kind)
	assert.Equal(t, c.Tracks(), []webrtc.TrackLocal{r.calls[0].track, r.calls[1].track})

	require.NoError(t, c.Acquire(context.Background(), constraints))
	assert.Len(t, r.calls, 2)
}

func TestSetEnabledMutesTrack(t *testing.T) {
	c := acquired(t)

	require.NoError(t, c.SetEnabled(webrtc.RTPCodecTypeAudio, false))
	assert.False(t, c.Enabled(webrtc.RTPCodecTypeAudio))
	assert.True(t, c.Enabled(webrtc.RTPCodecTypeVideo))

	audio := c.Tracks()[0].(*SampleTrack)
	assert.NoError(t, audio.WriteSample(pionmedia.Sample{Data: []byte{1}, Duration: 20 * time.Millisecond}))

	require.NoError(t, c.SetEnabled(webrtc.RTPCodecTypeAudio, true))
	assert.True(t, c.Enabled(webrtc.RTPCodecTypeAudio))
}

func TestScreenShareReplacesVideo(t *testing.T) {
	c := acquired(t)
	r := &recordingReplacer{}
	c.SetReplacer(r)
	camera := c.Tracks()[1]

	require.NoError(t, c.StartScreenShare(context.Background()))
	require.NoError(t, c.StartScreenShare(context.Background()))
	assert.True(t, c.Sharing())

	require.Len(t, r.calls, 1)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, r.calls[0].kind)
	screen := r.calls[0].track
	assert.NotEqual(t, camera.ID(), screen.ID())
	assert.Equal(t, screen, c.Tracks()[1])

	require.NoError(t, c.StopScreenShare())
	require.NoError(t, c.StopScreenShare())
	assert.False(t, c.Sharing())
	require.Len(t, r.calls, 2)
	assert.Equal(t, camera, r.calls[1].track)
	assert.True(t, screen.(Track).Stopped())
}

func TestScreenShareRequiresLocalMedia(t *testing.T) {
	c := NewController(SampleProvider{}, nil)
	assert.ErrorIs(t, c.StartScreenShare(context.Background()), ErrNotReady)
}

func TestStopReleasesTracks(t *testing.T) {
	c := acquired(t)
	require.NoError(t, c.StartScreenShare(context.Background()))
	tracks := c.Tracks()

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())

	for _, tr := range tracks {
		st := tr.(*SampleTrack)
		assert.True(t, st.Stopped())
		assert.ErrorIs(t, st.WriteSample(pionmedia.Sample{Data: []byte{1}}), ErrTrackStopped)
	}
	assert.False(t, c.Ready())
	assert.ErrorIs(t, c.Acquire(context.Background(), Constraints{Audio: true}), ErrStopped)
}

func TestSampleProviderRejectsEmptyConstraints(t *testing.T) {
	_, err := SampleProvider{}.LocalStream(context.Background(), Constraints{})
	assert.ErrorIs(t, err, ErrNoDevice)

	h, err := SampleProvider{}.DisplayStream(context.Background(), Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	require.Len(t, h.Tracks(), 1)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, h.Tracks()[0].Kind())
}
