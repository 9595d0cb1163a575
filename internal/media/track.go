// Package media owns a participant's outgoing tracks: camera, microphone and
// screen share, their enable flags and replacement.
package media

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/multierr"
)

var ErrTrackStopped = errors.New("media: track stopped")

// Track is a local track that can be muted without renegotiation and stopped
// for good.
type Track interface {
	webrtc.TrackLocal
	Enabled() bool
	SetEnabled(enabled bool)
	Stop() error
	Stopped() bool
}

// SampleTrack is a Track fed with encoded samples. Samples written while the
// track is disabled are discarded, so the remote side sees silence or a frozen
// frame instead of a renegotiation.
type SampleTrack struct {
	*webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	stopped atomic.Bool
}

func NewSampleTrack(kind webrtc.RTPCodecType, id, streamID string) (*SampleTrack, error) {
	var capability webrtc.RTPCodecCapability
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case webrtc.RTPCodecTypeVideo:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	default:
		return nil, fmt.Errorf("media: unsupported track kind %q", kind)
	}

	inner, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("media: new %s track: %w", kind, err)
	}
	t := &SampleTrack{TrackLocalStaticSample: inner}
	t.enabled.Store(true)
	return t, nil
}

func (t *SampleTrack) Enabled() bool { return t.enabled.Load() }

func (t *SampleTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *SampleTrack) Stop() error {
	t.stopped.Store(true)
	t.enabled.Store(false)
	return nil
}

func (t *SampleTrack) Stopped() bool { return t.stopped.Load() }

// WriteSample forwards s unless the track is disabled or stopped.
func (t *SampleTrack) WriteSample(s pionmedia.Sample) error {
	if t.stopped.Load() {
		return ErrTrackStopped
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.TrackLocalStaticSample.WriteSample(s)
}

// Handle groups the tracks of one captured stream, at most one per kind.
type Handle struct {
	mu     sync.RWMutex
	tracks map[webrtc.RTPCodecType]Track
}

func NewHandle(tracks ...Track) *Handle {
	h := &Handle{tracks: make(map[webrtc.RTPCodecType]Track, len(tracks))}
	for _, t := range tracks {
		if t != nil {
			h.tracks[t.Kind()] = t
		}
	}
	return h
}

func (h *Handle) Track(kind webrtc.RTPCodecType) (Track, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.tracks[kind]
	return t, ok
}

// Tracks returns audio before video.
func (h *Handle) Tracks() []Track {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Track, 0, len(h.tracks))
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if t, ok := h.tracks[kind]; ok {
			out = append(out, t)
		}
	}
	return out
}

// SetEnabled toggles the track of kind. It reports false if there is none.
func (h *Handle) SetEnabled(kind webrtc.RTPCodecType, enabled bool) bool {
	t, ok := h.Track(kind)
	if !ok {
		return false
	}
	t.SetEnabled(enabled)
	return true
}

// Replace swaps in t for its kind and returns the previous track, if any.
func (h *Handle) Replace(t Track) Track {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.tracks[t.Kind()]
	h.tracks[t.Kind()] = t
	return old
}

func (h *Handle) Stop() error {
	var err error
	for _, t := range h.Tracks() {
		err = multierr.Append(err, t.Stop())
	}
	return err
}
