//go:build linux

package capture

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/afpacket"
	"github.com/mitchellh/mapstructure"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/log"
	"firestige.xyz/applayer/pkg/plugin"
)

// AFPacketConfig configures an AFPacketSource.
type AFPacketConfig struct {
	Interface   string        `mapstructure:"interface"`
	SnapLen     int           `mapstructure:"snap_len"`
	RingMB      int           `mapstructure:"ring_mb"`
	FanoutGroup uint16        `mapstructure:"fanout_group"` // 0 = no fanout
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// AFPacketSource captures live traffic with a TPACKET_V3 ring.
type AFPacketSource struct {
	cfg    AFPacketConfig
	filter *PortFilter

	ctx    context.Context
	cancel context.CancelFunc

	received atomic.Uint64
	dropped  atomic.Uint64
	ifDrops  atomic.Uint64
}

// NewAFPacketSource creates a source for cfg. filter may be nil.
func NewAFPacketSource(cfg AFPacketConfig, filter *PortFilter) *AFPacketSource {
	return &AFPacketSource{cfg: cfg, filter: filter}
}

func (s *AFPacketSource) Name() string { return AFPacketSourceName }

// Init applies options on top of the configured ones.
func (s *AFPacketSource) Init(cfg map[string]any) error {
	if err := mapstructure.Decode(cfg, &s.cfg); err != nil {
		return fmt.Errorf("%w: afpacket source: %v", core.ErrConfigInvalid, err)
	}
	return s.validate()
}

func (s *AFPacketSource) validate() error {
	if s.cfg.Interface == "" {
		return fmt.Errorf("%w: afpacket source: interface is required", core.ErrConfigInvalid)
	}
	if s.cfg.SnapLen <= 0 {
		s.cfg.SnapLen = 65535
	}
	if s.cfg.RingMB <= 0 {
		s.cfg.RingMB = 64
	}
	if s.cfg.PollTimeout <= 0 {
		s.cfg.PollTimeout = 100 * time.Millisecond
	}
	return nil
}

// Start validates the configuration. The ring is owned by Capture.
func (s *AFPacketSource) Start(ctx context.Context) error {
	if err := s.validate(); err != nil {
		return err
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return nil
}

// Stop ends Capture.
//
// The handle is not closed here: Capture owns it and closes it when its
// read loop returns, since closing it under a pending read unmaps the ring.
func (s *AFPacketSource) Stop(_ context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// Capture reads packets until ctx is cancelled or Stop is called. Packets
// are dropped when output is full.
func (s *AFPacketSource) Capture(ctx context.Context, output chan<- core.RawPacket) error {
	if s.ctx == nil {
		return fmt.Errorf("afpacket source not started")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	frameSize, blockSize, numBlocks, err := ringSize(s.cfg.RingMB, s.cfg.SnapLen, os.Getpagesize())
	if err != nil {
		return err
	}
	handle, err := afpacket.NewTPacket(
		afpacket.OptInterface(s.cfg.Interface),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(s.cfg.PollTimeout),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return fmt.Errorf("failed to create TPacket handle: %w", err)
	}
	defer handle.Close()

	logger := log.GetLogger().WithField("interface", s.cfg.Interface)
	if s.cfg.FanoutGroup > 0 {
		if err := handle.SetFanout(afpacket.FanoutHashWithDefrag, s.cfg.FanoutGroup); err != nil {
			return fmt.Errorf("failed to set fanout: %w", err)
		}
	}
	if s.filter != nil {
		raw, err := s.filter.Raw()
		if err != nil {
			return fmt.Errorf("failed to assemble port filter: %w", err)
		}
		if err := handle.SetBPF(raw); err != nil {
			return fmt.Errorf("failed to set BPF: %w", err)
		}
		logger.Debugf("port filter applied: %v", s.filter.Ports())
	}
	if err := handle.InitSocketStats(); err != nil {
		logger.WithError(err).Warn("failed to init socket stats")
	}
	logger.Info("afpacket capture started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("afpacket capture stopped")
			return nil
		default:
		}

		// ReadPacketData copies out of the ring; packets outlive this loop.
		data, ci, err := handle.ReadPacketData()
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("afpacket capture stopped")
				return nil
			}
			// poll timeout and EINTR
			continue
		}
		s.received.Add(1)
		if stats, _, err := handle.SocketStats(); err == nil {
			s.ifDrops.Store(uint64(stats.Drops()))
		}

		raw := core.RawPacket{
			Data:           data,
			Timestamp:      ci.Timestamp,
			CaptureLen:     uint32(ci.CaptureLength),
			OrigLen:        uint32(ci.Length),
			InterfaceIndex: ci.InterfaceIndex,
		}
		select {
		case output <- raw:
		case <-ctx.Done():
			logger.Info("afpacket capture stopped")
			return nil
		default:
			s.dropped.Add(1)
		}
	}
}

// Stats returns capture statistics.
func (s *AFPacketSource) Stats() plugin.CaptureStats {
	return plugin.CaptureStats{
		PacketsReceived:  s.received.Load(),
		PacketsDropped:   s.dropped.Load(),
		PacketsIfDropped: s.ifDrops.Load(),
	}
}
