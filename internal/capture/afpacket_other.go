//go:build !linux

package capture

import (
	"context"
	"fmt"
	"time"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/pkg/plugin"
)

// AFPacketConfig configures an AFPacketSource.
type AFPacketConfig struct {
	Interface   string        `mapstructure:"interface"`
	SnapLen     int           `mapstructure:"snap_len"`
	RingMB      int           `mapstructure:"ring_mb"`
	FanoutGroup uint16        `mapstructure:"fanout_group"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// AFPacketSource is only available on Linux.
type AFPacketSource struct{}

func NewAFPacketSource(_ AFPacketConfig, _ *PortFilter) *AFPacketSource {
	return &AFPacketSource{}
}

func (s *AFPacketSource) Name() string                  { return AFPacketSourceName }
func (s *AFPacketSource) Init(_ map[string]any) error   { return errNoAFPacket }
func (s *AFPacketSource) Start(_ context.Context) error { return errNoAFPacket }
func (s *AFPacketSource) Stop(_ context.Context) error  { return nil }
func (s *AFPacketSource) Stats() plugin.CaptureStats    { return plugin.CaptureStats{} }

func (s *AFPacketSource) Capture(_ context.Context, _ chan<- core.RawPacket) error {
	return errNoAFPacket
}

var errNoAFPacket = fmt.Errorf("%w: afpacket capture requires linux", core.ErrUnsupportedProto)
