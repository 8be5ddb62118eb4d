package call

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// Recorder writes the remote party's VP8 video to an IVF file and Opus
// audio to an Ogg file. Files are created on the first packet of each kind.
type Recorder struct {
	base string

	mu     sync.Mutex
	video  *ivfwriter.IVFWriter
	audio  *oggwriter.OggWriter
	closed bool
}

// NewRecorder names files <dir>/<peer>-<timestamp>.{ivf,ogg}.
func NewRecorder(dir, peer string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s-%s", peer, time.Now().Format("20060102-150405"))
	return &Recorder{base: filepath.Join(dir, name)}, nil
}

// RecorderSink adapts NewRecorder to Options.Sink.
func RecorderSink(dir string) func(string) (RemoteSink, error) {
	return func(peer string) (RemoteSink, error) {
		return NewRecorder(dir, peer)
	}
}

func (r *Recorder) WriteRTP(kind webrtc.RTPCodecType, pkt *rtp.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("recorder closed")
	}
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		if r.video == nil {
			w, err := ivfwriter.New(r.base + ".ivf")
			if err != nil {
				return err
			}
			r.video = w
		}
		return r.video.WriteRTP(pkt)
	case webrtc.RTPCodecTypeAudio:
		if r.audio == nil {
			w, err := oggwriter.New(r.base+".ogg", 48000, 2)
			if err != nil {
				return err
			}
			r.audio = w
		}
		return r.audio.WriteRTP(pkt)
	}
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var errs []error
	if r.video != nil {
		errs = append(errs, r.video.Close())
	}
	if r.audio != nil {
		errs = append(errs, r.audio.Close())
	}
	return errors.Join(errs...)
}
