package plugin

import (
	"context"

	"firestige.xyz/applayer/internal/core"
)

// Plugin is the lifecycle shared by capture sources and sinks. Init gets
// the component's raw config section; Start and Stop bracket its use by a
// pipeline.
type Plugin interface {
	Name() string
	Init(cfg map[string]any) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Capturer feeds frames into out until ctx is done or the source runs dry.
// A nil return means the source was exhausted.
type Capturer interface {
	Plugin
	Capture(ctx context.Context, out chan<- core.RawPacket) error
	Stats() CaptureStats
}

// CaptureStats are source-side counters. IfDropped is what the interface
// dropped before the ring saw it.
type CaptureStats struct {
	PacketsReceived  uint64
	PacketsDropped   uint64
	PacketsIfDropped uint64
}

// Reporter delivers finished transactions.
type Reporter interface {
	Plugin
	Report(ctx context.Context, rec *core.TxRecord) error
	Flush(ctx context.Context) error
}

// BatchReporter is implemented by reporters that prefer whole batches;
// the batcher uses ReportBatch instead of per-record Report when present.
type BatchReporter interface {
	Reporter
	ReportBatch(ctx context.Context, recs []*core.TxRecord) error
}
