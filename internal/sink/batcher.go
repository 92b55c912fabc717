package sink

import (
	"context"
	"sync/atomic"
	"time"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/log"
	"firestige.xyz/applayer/internal/metrics"
	"firestige.xyz/applayer/pkg/plugin"
)

const (
	defaultBatcherSize    = 100
	defaultBatcherTimeout = 50 * time.Millisecond
	defaultBatcherChanCap = 10000
)

// Batcher wraps a Reporter with batching:
//
//	sender → Batcher.Send() → batchLoop → Reporter.ReportBatch()/Report()
type Batcher struct {
	reporter     plugin.Reporter
	batchSize    int
	batchTimeout time.Duration

	batchCh chan *core.TxRecord
	doneCh  chan struct{}

	failed atomic.Uint64
}

// BatcherConfig contains configuration for creating a Batcher.
type BatcherConfig struct {
	Reporter     plugin.Reporter
	BatchSize    int
	BatchTimeout time.Duration
}

// NewBatcher creates a new batcher around a Reporter.
func NewBatcher(cfg BatcherConfig) *Batcher {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatcherSize
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = defaultBatcherTimeout
	}
	return &Batcher{
		reporter:     cfg.Reporter,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		batchCh:      make(chan *core.TxRecord, defaultBatcherChanCap),
		doneCh:       make(chan struct{}),
	}
}

// Reporter returns the wrapped reporter.
func (b *Batcher) Reporter() plugin.Reporter { return b.reporter }

// Start starts the batchLoop goroutine. The reporter itself is started by
// the owner.
func (b *Batcher) Start(ctx context.Context) {
	go b.batchLoop(ctx)
}

// Send enqueues a record. It blocks while the buffer is full.
func (b *Batcher) Send(rec *core.TxRecord) {
	b.batchCh <- rec
}

// Close closes the batch channel and waits for pending records to flush.
func (b *Batcher) Close() {
	close(b.batchCh)
	<-b.doneCh
}

// Failed returns the number of records the reporter rejected.
func (b *Batcher) Failed() uint64 { return b.failed.Load() }

// batchLoop collects records into batches and flushes on size or timeout.
func (b *Batcher) batchLoop(ctx context.Context) {
	defer close(b.doneCh)

	batch := make([]*core.TxRecord, 0, b.batchSize)
	ticker := time.NewTicker(b.batchTimeout)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if n := b.sendBatch(ctx, batch); n > 0 {
			b.failed.Add(uint64(n))
		}
		clear(batch)
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-b.batchCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// sendBatch sends a batch using ReportBatch if available, otherwise calls
// Report one by one. It returns the number of records that failed.
func (b *Batcher) sendBatch(ctx context.Context, batch []*core.TxRecord) int {
	name := b.reporter.Name()
	metrics.SinkBatchSize.WithLabelValues(name).Observe(float64(len(batch)))

	if br, ok := b.reporter.(plugin.BatchReporter); ok {
		if err := br.ReportBatch(ctx, batch); err != nil {
			metrics.SinkErrorsTotal.WithLabelValues(name).Add(float64(len(batch)))
			log.GetLogger().WithError(err).Warnf("sink %s dropped a batch of %d records", name, len(batch))
			return len(batch)
		}
		return 0
	}

	failed := 0
	for _, rec := range batch {
		if err := b.reporter.Report(ctx, rec); err != nil {
			metrics.SinkErrorsTotal.WithLabelValues(name).Inc()
			log.GetLogger().WithError(err).Warnf("sink %s error", name)
			failed++
		}
	}
	return failed
}
