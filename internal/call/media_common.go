package call

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// addRecvOnlyTransceivers gives a peer with no local tracks valid audio and
// video m-lines so it can still receive.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return err
		}
	}
	return nil
}

// trackSet is LocalMedia over already opened tracks.
type trackSet struct {
	tracks []webrtc.TrackLocal
	stop   func()
	once   sync.Once
}

func (s *trackSet) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *trackSet) Close() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// ReceiveOnly is LocalMedia with nothing to send.
func ReceiveOnly() LocalMedia { return &trackSet{} }
