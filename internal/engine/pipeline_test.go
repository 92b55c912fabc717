package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/applayer/internal/config"
	"firestige.xyz/applayer/internal/core"
	iplugin "firestige.xyz/applayer/internal/plugin"
	"firestige.xyz/applayer/pkg/plugin"
	"firestige.xyz/applayer/plugins/parser/ntp"
)

type fakeCapturer struct {
	packets  []core.RawPacket
	err      error
	linkType layers.LinkType
	started  bool
	stopped  bool
}

func (c *fakeCapturer) Name() string                { return "fake" }
func (c *fakeCapturer) Init(map[string]any) error   { return nil }
func (c *fakeCapturer) Start(context.Context) error { c.started = true; return nil }
func (c *fakeCapturer) Stop(context.Context) error  { c.stopped = true; return nil }
func (c *fakeCapturer) Stats() plugin.CaptureStats  { return plugin.CaptureStats{} }
func (c *fakeCapturer) LinkType() layers.LinkType {
	if c.linkType == 0 {
		return layers.LinkTypeEthernet
	}
	return c.linkType
}

func (c *fakeCapturer) Capture(ctx context.Context, out chan<- core.RawPacket) error {
	for _, p := range c.packets {
		select {
		case out <- p:
		case <-ctx.Done():
			return nil
		}
	}
	return c.err
}

type collectingReporter struct {
	mu      sync.Mutex
	recs    []*core.TxRecord
	fail    bool
	flushed bool
	stopped bool
}

func (r *collectingReporter) Name() string                { return "collect" }
func (r *collectingReporter) Init(map[string]any) error   { return nil }
func (r *collectingReporter) Start(context.Context) error { return nil }

func (r *collectingReporter) Stop(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	return nil
}

func (r *collectingReporter) Flush(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed = true
	return nil
}

func (r *collectingReporter) Report(_ context.Context, rec *core.TxRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("sink down")
	}
	r.recs = append(r.recs, rec)
	return nil
}

func (r *collectingReporter) summary() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, rec := range r.recs {
		s := rec.AppProto + " " + rec.Direction.String()
		if l, ok := rec.Labels["line"]; ok {
			s += " " + l
		}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func testRegistry(t *testing.T) *iplugin.Registry {
	t.Helper()
	reg := iplugin.NewRegistry()
	_, err := reg.Register(newLineParser(plugin.FlagUnidirTxs))
	require.NoError(t, err)
	_, err = reg.Register(ntp.NewParser())
	require.NoError(t, err)
	return reg
}

func TestPipelineRunsToCompletion(t *testing.T) {
	packets := lineSession(t, ep, t0)
	packets = append(packets,
		rawPacket(udpFrame(t, "192.168.1.10", 50123, "192.168.1.1", 123, ntpRequest()), t0.Add(time.Second)),
		rawPacket([]byte{0xde, 0xad}, t0.Add(time.Second)),
	)
	capturer := &fakeCapturer{packets: packets, linkType: layers.LinkTypeEthernet}
	reporter := &collectingReporter{}

	p := NewPipeline(testRegistry(t), config.EngineConfig{Workers: 2, FlowTimeout: time.Minute}, capturer, reporter)
	assert.Equal(t, StateCreated, p.State())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Start(ctx))
	assert.Equal(t, StateRunning, p.State())
	require.Error(t, p.Start(ctx), "a pipeline starts once")

	require.NoError(t, p.Wait(ctx))
	require.NoError(t, p.Stop(ctx))
	assert.Equal(t, StateStopped, p.State())

	assert.Equal(t, []string{
		"line toclient pong",
		"line toserver HELLO",
		"line toserver ping",
		"ntp toserver",
	}, reporter.summary())
	assert.True(t, reporter.flushed)
	assert.True(t, reporter.stopped)
	assert.True(t, capturer.stopped)

	stats := p.Stats()
	assert.Equal(t, uint64(len(packets)), stats.Received.Load())
	assert.Equal(t, uint64(1), stats.DecodeErrors.Load())
	assert.Equal(t, uint64(4), stats.Records.Load())
	assert.Zero(t, stats.ReportErrors.Load())

	require.Error(t, p.Stop(ctx), "a pipeline stops once")
}

func TestPipelineCountsReportErrors(t *testing.T) {
	capturer := &fakeCapturer{packets: []core.RawPacket{
		rawPacket(udpFrame(t, "192.168.1.10", 50123, "192.168.1.1", 123, ntpRequest()), t0),
	}}
	reporter := &collectingReporter{fail: true}

	p := NewPipeline(testRegistry(t), config.EngineConfig{}, capturer, reporter)
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Wait(ctx))
	require.NoError(t, p.Stop(ctx))

	assert.Equal(t, uint64(1), p.Stats().Records.Load())
	assert.Equal(t, uint64(1), p.Stats().ReportErrors.Load())
}

func TestPipelineCaptureError(t *testing.T) {
	capturer := &fakeCapturer{err: errors.New("read failed")}
	p := NewPipeline(testRegistry(t), config.EngineConfig{}, capturer)

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	assert.EqualError(t, p.Wait(ctx), "read failed")
	assert.Equal(t, StateFailed, p.State())
	require.NoError(t, p.Stop(ctx))
}

func TestPipelineUnsupportedLinkType(t *testing.T) {
	capturer := &fakeCapturer{linkType: layers.LinkTypeIEEE802_11}
	reporter := &collectingReporter{}
	p := NewPipeline(testRegistry(t), config.EngineConfig{}, capturer, reporter)

	err := p.Start(context.Background())
	assert.ErrorIs(t, err, core.ErrUnsupportedProto)
	assert.Equal(t, StateFailed, p.State())
	assert.True(t, capturer.stopped)
	assert.True(t, reporter.stopped)
}

func TestPipelineStopBeforeStart(t *testing.T) {
	p := NewPipeline(testRegistry(t), config.EngineConfig{}, &fakeCapturer{})
	assert.Error(t, p.Stop(context.Background()))
}
