package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/beebee-coder/classroom-virtuelle-sub001/lib/logger/sl"
	"github.com/pion/webrtc/v3"
	"go.uber.org/multierr"
)

var (
	ErrNotReady = errors.New("media: local media not acquired")
	ErrStopped  = errors.New("media: controller stopped")
)

// TrackReplacer receives the outgoing track of a kind whenever it changes.
type TrackReplacer interface {
	ReplaceLocalTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal)
}

// Controller owns the local camera/microphone stream and an optional screen
// share that stands in for the camera video while active.
type Controller struct {
	devices DeviceProvider
	log     *slog.Logger

	mu       sync.RWMutex
	local    *Handle
	display  *Handle
	replacer TrackReplacer
	stopped  bool
}

func NewController(devices DeviceProvider, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{devices: devices, log: log.With(slog.String("component", "media"))}
}

// SetReplacer installs the receiver of track replacements, usually the mesh.
func (c *Controller) SetReplacer(r TrackReplacer) {
	c.mu.Lock()
	c.replacer = r
	c.mu.Unlock()
}

// Acquire captures the local stream. Calling it again once ready is a no-op.
func (c *Controller) Acquire(ctx context.Context, constraints Constraints) error {
	const op = "media.controller.acquire"
	log := c.log.With(slog.String("op", op))

	c.mu.RLock()
	stopped, ready := c.stopped, c.local != nil
	c.mu.RUnlock()
	if stopped {
		return ErrStopped
	}
	if ready {
		return nil
	}

	h, err := c.devices.LocalStream(ctx, constraints)
	if err != nil {
		log.Warn("local stream unavailable", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	c.mu.Lock()
	if c.stopped || c.local != nil {
		c.mu.Unlock()
		// Lost a race with Stop or another Acquire.
		return h.Stop()
	}
	c.local = h
	replacer := c.replacer
	c.mu.Unlock()

	// Links opened before the stream was ready carry no tracks yet.
	if replacer != nil {
		for _, t := range c.Tracks() {
			replacer.ReplaceLocalTrack(t.Kind(), t)
		}
	}

	log.Info("local media acquired", slog.Int("tracks", len(h.Tracks())))
	return nil
}

func (c *Controller) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.local != nil && !c.stopped
}

// Tracks returns the outgoing tracks: local audio, then either the screen
// share or the camera video.
func (c *Controller) Tracks() []webrtc.TrackLocal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.local == nil || c.stopped {
		return nil
	}
	var out []webrtc.TrackLocal
	if t, ok := c.local.Track(webrtc.RTPCodecTypeAudio); ok {
		out = append(out, t)
	}
	if t, ok := c.outgoingVideo(); ok {
		out = append(out, t)
	}
	return out
}

func (c *Controller) outgoingVideo() (Track, bool) {
	if c.display != nil {
		if t, ok := c.display.Track(webrtc.RTPCodecTypeVideo); ok {
			return t, true
		}
	}
	return c.local.Track(webrtc.RTPCodecTypeVideo)
}

// SetEnabled mutes or unmutes the outgoing track of kind.
func (c *Controller) SetEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.local == nil || c.stopped {
		return ErrNotReady
	}

	var t Track
	var ok bool
	if kind == webrtc.RTPCodecTypeVideo {
		t, ok = c.outgoingVideo()
	} else {
		t, ok = c.local.Track(kind)
	}
	if !ok {
		return fmt.Errorf("media: no %s track", kind)
	}
	t.SetEnabled(enabled)
	c.log.Debug("track toggled", slog.String("kind", kind.String()), slog.Bool("enabled", enabled))
	return nil
}

func (c *Controller) Enabled(kind webrtc.RTPCodecType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.local == nil || c.stopped {
		return false
	}
	if kind == webrtc.RTPCodecTypeVideo {
		t, ok := c.outgoingVideo()
		return ok && t.Enabled()
	}
	t, ok := c.local.Track(kind)
	return ok && t.Enabled()
}

func (c *Controller) Sharing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.display != nil
}

// StartScreenShare captures the display and sends it in place of the camera
// video on every link.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	const op = "media.controller.start_screen_share"

	c.mu.RLock()
	ready, sharing := c.local != nil && !c.stopped, c.display != nil
	c.mu.RUnlock()
	if !ready {
		return ErrNotReady
	}
	if sharing {
		return nil
	}

	h, err := c.devices.DisplayStream(ctx, Constraints{Video: true})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	screen, ok := h.Track(webrtc.RTPCodecTypeVideo)
	if !ok {
		_ = h.Stop()
		return fmt.Errorf("%s: %w", op, ErrNoDevice)
	}

	c.mu.Lock()
	if c.stopped || c.display != nil {
		c.mu.Unlock()
		return h.Stop()
	}
	c.display = h
	replacer := c.replacer
	c.mu.Unlock()

	if replacer != nil {
		replacer.ReplaceLocalTrack(webrtc.RTPCodecTypeVideo, screen)
	}
	c.log.Info("screen share started")
	return nil
}

// StopScreenShare ends the share and restores the camera video.
func (c *Controller) StopScreenShare() error {
	c.mu.Lock()
	display := c.display
	c.display = nil
	replacer := c.replacer
	var camera webrtc.TrackLocal
	if c.local != nil && !c.stopped {
		if t, ok := c.local.Track(webrtc.RTPCodecTypeVideo); ok {
			camera = t
		}
	}
	c.mu.Unlock()

	if display == nil {
		return nil
	}
	err := display.Stop()
	if replacer != nil {
		replacer.ReplaceLocalTrack(webrtc.RTPCodecTypeVideo, camera)
	}
	c.log.Info("screen share stopped")
	return err
}

// Stop releases every captured track. A stopped controller cannot be
// reacquired.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	local, display := c.local, c.display
	c.local, c.display = nil, nil
	c.mu.Unlock()

	var err error
	if display != nil {
		err = multierr.Append(err, display.Stop())
	}
	if local != nil {
		err = multierr.Append(err, local.Stop())
	}
	c.log.Info("local media stopped")
	return err
}
