//go:build linux

package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/proto"
)

var codecs struct {
	once     sync.Once
	selector *mediadevices.CodecSelector
	err      error
}

// codecSelector is shared by capture and the media engine so both agree on
// VP8 and Opus parameters.
func codecSelector() (*mediadevices.CodecSelector, error) {
	codecs.once.Do(func() {
		vpxParams, err := vpx.NewVP8Params()
		if err != nil {
			codecs.err = err
			return
		}
		vpxParams.BitRate = 1_500_000
		opusParams, err := opus.NewParams()
		if err != nil {
			codecs.err = err
			return
		}
		codecs.selector = mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		)
	})
	return codecs.selector, codecs.err
}

func registerCodecs(m *webrtc.MediaEngine) error {
	sel, err := codecSelector()
	if err != nil {
		return err
	}
	sel.Populate(m)
	return nil
}

// deviceAcquirer captures from V4L2 cameras and malgo microphones.
type deviceAcquirer struct{}

func NewDeviceAcquirer() MediaAcquirer { return deviceAcquirer{} }

type attempt struct {
	video, audio bool
	label        string
}

func attemptsFor(kind proto.MediaKind) []attempt {
	if kind == proto.MediaVideo {
		// a missing microphone should not cost the camera, and vice versa
		return []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}
	return []attempt{{false, true, "audio"}}
}

// Acquire opens capture devices. GetUserMedia cannot be interrupted, so a
// cancelled ctx returns at once and whatever opens later is closed.
func (deviceAcquirer) Acquire(ctx context.Context, kind proto.MediaKind) (LocalMedia, error) {
	type result struct {
		media LocalMedia
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := capture(kind)
		ch <- result{m, err}
	}()
	select {
	case r := <-ch:
		return r.media, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.media != nil {
				r.media.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func capture(kind proto.MediaKind) (LocalMedia, error) {
	sel, err := codecSelector()
	if err != nil {
		return nil, err
	}
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no media devices found", ErrMediaDenied)
	}
	for _, d := range devices {
		log.Debugf("media device kind=%v label=%q", d.Kind, d.Label)
	}

	var errs []error
	for _, a := range attemptsFor(kind) {
		constraints := mediadevices.MediaStreamConstraints{Codec: sel}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// some cameras expose an MJPEG node with malformed frames
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Infof("capture %s failed: %v", a.label, err)
			errs = append(errs, fmt.Errorf("%s: %w", a.label, err))
			continue
		}

		tracks := stream.GetTracks()
		set := &trackSet{stop: func() {
			for _, t := range tracks {
				t.Close()
			}
		}}
		for _, t := range tracks {
			t.OnEnded(func(err error) {
				if err != nil {
					log.Infof("local %s track ended: %v", t.Kind(), err)
				}
			})
			set.tracks = append(set.tracks, t)
		}
		log.Infof("captured %s, %d tracks", a.label, len(tracks))
		return set, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrMediaDenied, errors.Join(errs...))
}
