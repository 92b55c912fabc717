package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/layers"

	"firestige.xyz/applayer/internal/config"
	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/log"
	"firestige.xyz/applayer/internal/metrics"
	iplugin "firestige.xyz/applayer/internal/plugin"
	"firestige.xyz/applayer/internal/sink"
	"firestige.xyz/applayer/pkg/plugin"
)

// fragmentTimeout is how long IPv4 fragments wait for the rest of their
// datagram.
const fragmentTimeout = 30 * time.Second

// State is the lifecycle state of a Pipeline.
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// LinkTyper is implemented by capture sources whose frames do not start
// with an Ethernet header.
type LinkTyper interface {
	LinkType() layers.LinkType
}

// Pipeline runs captured packets through the engines of its workers and
// hands finished transactions to the reporters.
//
//	Capturer → captureCh → decode/fanout → workers (Engine) → records → sender → Batchers → Reporters
type Pipeline struct {
	cfg       config.EngineConfig
	capturer  plugin.Capturer
	reporters []plugin.Reporter
	batchers  []*sink.Batcher
	workers   []*worker

	captureCh chan core.RawPacket
	records   chan *core.TxRecord
	workersWg sync.WaitGroup
	doneCh    chan struct{}

	mu         sync.Mutex
	state      State
	started    bool
	captureErr error

	stats Stats

	ctx    context.Context
	cancel context.CancelFunc
	log    log.Logger
}

// Stats are the pipeline counters.
type Stats struct {
	Received     atomic.Uint64
	DecodeErrors atomic.Uint64
	Fragments    atomic.Uint64
	Records      atomic.Uint64
	ReportErrors atomic.Uint64
}

// NewPipeline creates a pipeline with one engine per configured worker.
func NewPipeline(reg *iplugin.Registry, cfg config.EngineConfig, capturer plugin.Capturer, reporters ...plugin.Reporter) *Pipeline {
	n := cfg.Workers
	if n < 1 {
		n = 1
	}
	queue := cfg.QueueSize
	if queue < 1 {
		queue = 1024
	}
	p := &Pipeline{
		cfg:       cfg,
		capturer:  capturer,
		reporters: reporters,
		captureCh: make(chan core.RawPacket, queue),
		records:   make(chan *core.TxRecord, queue),
		doneCh:    make(chan struct{}),
		state:     StateCreated,
		log:       log.GetLogger().WithField("source", capturer.Name()),
	}
	for _, r := range reporters {
		p.batchers = append(p.batchers, sink.NewBatcher(sink.BatcherConfig{Reporter: r}))
	}
	maxFlows := cfg.MaxFlows / n
	if cfg.MaxFlows > 0 && maxFlows == 0 {
		maxFlows = 1
	}
	for i := 0; i < n; i++ {
		eng := New(reg, Options{
			FlowTimeout:     cfg.FlowTimeout,
			MaxFlows:        maxFlows,
			MaxPendingBytes: cfg.MaxPendingBytes,
			Worker:          i,
		}, p.emit)
		p.workers = append(p.workers, newWorker(i, eng, queue, cfg.FlowTimeout))
	}
	return p
}

// emit is called by the workers' engines.
func (p *Pipeline) emit(rec *core.TxRecord) {
	p.records <- rec
}

// State returns the current pipeline state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns the pipeline counters.
func (p *Pipeline) Stats() *Stats { return &p.stats }

// Start starts all components in reverse dependency order:
// Reporters → Batchers → Sender → Workers → Fanout → Capturer
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateCreated {
		return fmt.Errorf("cannot start pipeline in state %s", p.state)
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	for i, r := range p.reporters {
		if err := r.Start(p.ctx); err != nil {
			for _, started := range p.reporters[:i] {
				_ = started.Stop(context.Background())
			}
			p.state = StateFailed
			p.cancel()
			return fmt.Errorf("reporter %s start failed: %w", r.Name(), err)
		}
	}
	if err := p.capturer.Start(p.ctx); err != nil {
		for _, r := range p.reporters {
			_ = r.Stop(context.Background())
		}
		p.state = StateFailed
		p.cancel()
		return fmt.Errorf("capturer %s start failed: %w", p.capturer.Name(), err)
	}

	first := layers.LayerTypeEthernet
	if lt, ok := p.capturer.(LinkTyper); ok {
		var err error
		if first, err = FirstLayer(lt.LinkType()); err != nil {
			_ = p.capturer.Stop(context.Background())
			for _, r := range p.reporters {
				_ = r.Stop(context.Background())
			}
			p.state = StateFailed
			p.cancel()
			return err
		}
	}

	// Records drained after Stop are still delivered.
	for _, b := range p.batchers {
		b.Start(context.WithoutCancel(p.ctx))
	}
	go p.senderLoop()
	for _, w := range p.workers {
		p.workersWg.Add(1)
		go func(w *worker) {
			defer p.workersWg.Done()
			w.run()
		}(w)
	}
	go func() {
		p.workersWg.Wait()
		close(p.records)
	}()
	go p.fanoutLoop(NewDecoder(first, p.cfg.IPReassembly))
	go p.captureLoop()

	p.state = StateRunning
	p.started = true
	p.log.Infof("pipeline started with %d workers", len(p.workers))
	return nil
}

// Wait blocks until every captured packet was processed and reported,
// which for a file source happens at the end of the file.
func (p *Pipeline) Wait(ctx context.Context) error {
	select {
	case <-p.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.captureErr
}

// Stop stops the pipeline in forward dependency order:
// Capturer → Fanout → Workers → Sender → Batchers → Reporters.Flush
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.state == StateStopping || p.state == StateStopped {
		st := p.state
		p.mu.Unlock()
		return fmt.Errorf("cannot stop pipeline in state %s", st)
	}
	p.state = StateStopping
	p.mu.Unlock()

	p.cancel()
	if err := p.capturer.Stop(ctx); err != nil {
		p.log.WithError(err).Warn("capturer stop error")
	}

	var errs []error
	select {
	case <-p.doneCh:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("pipeline drain: %w", ctx.Err()))
	}

	for _, r := range p.reporters {
		if err := r.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("reporter %s flush: %w", r.Name(), err))
		}
		if err := r.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("reporter %s stop: %w", r.Name(), err))
		}
	}

	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()
	p.log.Infof("pipeline stopped: %d packets, %d transactions", p.stats.Received.Load(), p.stats.Records.Load())
	return errors.Join(errs...)
}

// captureLoop runs the capturer and closes captureCh when it returns.
func (p *Pipeline) captureLoop() {
	defer close(p.captureCh)
	if err := p.capturer.Capture(p.ctx, p.captureCh); err != nil && p.ctx.Err() == nil {
		p.log.WithError(err).Error("capturer error")
		p.mu.Lock()
		p.captureErr = err
		p.state = StateFailed
		p.mu.Unlock()
	}
}

// fanoutLoop decodes captured frames and dispatches them to the worker
// owning their flow. Once cancelled it drains captureCh without
// dispatching.
func (p *Pipeline) fanoutLoop(dec *Decoder) {
	defer func() {
		for _, w := range p.workers {
			close(w.in)
		}
	}()

	source := p.capturer.Name()
	var lastDiscard time.Time
	for raw := range p.captureCh {
		p.stats.Received.Add(1)
		metrics.PacketsTotal.WithLabelValues(source).Inc()
		if p.ctx.Err() != nil {
			continue
		}

		pkt, err := dec.Decode(raw)
		switch {
		case errors.Is(err, errFragmentPending):
			p.stats.Fragments.Add(1)
			continue
		case errors.Is(err, core.ErrUnsupportedProto):
			metrics.DecodeErrorsTotal.WithLabelValues("unsupported").Inc()
			continue
		case err != nil:
			p.stats.DecodeErrors.Add(1)
			metrics.DecodeErrorsTotal.WithLabelValues("malformed").Inc()
			p.log.Tracef("decode failed: %v", err)
			continue
		}

		if raw.Timestamp.Sub(lastDiscard) > fragmentTimeout {
			dec.Discard(raw.Timestamp.Add(-fragmentTimeout))
			lastDiscard = raw.Timestamp
		}

		w := p.workers[Shard(pkt.Key, len(p.workers))]
		select {
		case w.in <- pkt:
		case <-p.ctx.Done():
		}
	}
}

// senderLoop hands records to every batcher until records is closed, then
// waits for the batchers to flush.
func (p *Pipeline) senderLoop() {
	defer close(p.doneCh)
	for rec := range p.records {
		p.stats.Records.Add(1)
		for _, b := range p.batchers {
			b.Send(rec)
		}
	}
	for _, b := range p.batchers {
		b.Close()
		p.stats.ReportErrors.Add(b.Failed())
	}
}
