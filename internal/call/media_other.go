//go:build !linux

package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/proto"
)

func registerCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

// receiveOnlyAcquirer stands in where no capture drivers are available.
type receiveOnlyAcquirer struct{}

// NewDeviceAcquirer returns an acquirer that captures nothing on this
// platform; calls still receive the remote party's media.
func NewDeviceAcquirer() MediaAcquirer { return receiveOnlyAcquirer{} }

func (receiveOnlyAcquirer) Acquire(ctx context.Context, kind proto.MediaKind) (LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.Infof("no capture drivers on this platform, %s call is receive-only", kind)
	return ReceiveOnly(), nil
}
