package batcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	appconfig "cryptomon/config"
	"cryptomon/logger"
	"cryptomon/metrics"
	"cryptomon/models"
	"cryptomon/storage"
)

// Batcher accumulates records in a bounded queue and flushes them to storage
// in batches, whichever comes first of the size threshold or the flush
// interval. Failed writes are retried with backoff; exhausted batches spill
// to the fallback log instead of retrying forever.
//
// The queue is the single shared mutable resource between the dispatcher and
// the flush worker; the drop policy at enqueue is the only admission-control
// point.
type Batcher struct {
	config   *appconfig.Config
	store    storage.Store
	fallback *storage.FallbackLog

	mu    sync.Mutex
	queue deque.Deque[models.BatchRecord]

	dropped      atomic.Int64
	backpressure atomic.Bool

	nudge chan struct{}
	done  chan struct{}

	ctx     context.Context
	wg      *sync.WaitGroup
	stateMu sync.Mutex
	running bool
	log     *logger.Log
}

// NewBatcher creates a batcher writing through store, spilling to fallback.
func NewBatcher(cfg *appconfig.Config, store storage.Store, fallback *storage.FallbackLog) *Batcher {
	return &Batcher{
		config:   cfg,
		store:    store,
		fallback: fallback,
		nudge:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start launches the flush worker.
func (b *Batcher) Start(ctx context.Context) error {
	b.stateMu.Lock()
	if b.running {
		b.stateMu.Unlock()
		return fmt.Errorf("batcher already running")
	}
	b.running = true
	b.ctx = ctx
	b.stateMu.Unlock()

	log := b.log.WithComponent("batcher").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"batch_size":      b.config.Batcher.BatchSize,
		"flush_interval":  b.config.Batcher.FlushInterval,
		"high_water_mark": b.config.Batcher.HighWaterMark,
	}).Info("starting batcher")

	b.wg.Add(1)
	go b.flushWorker()

	log.Info("batcher started successfully")
	return nil
}

// stopGrace bounds how long Stop waits for the flush worker to observe
// context cancellation before halting it directly.
var stopGrace = 10 * time.Second

// Stop drains the queue with a final forced flush and waits for the worker.
// No record is considered durable until this flush succeeds or spills. The
// worker normally exits on context cancellation; if the context is still
// live, Stop halts it after the grace period instead of blocking forever.
func (b *Batcher) Stop() {
	b.stateMu.Lock()
	wasRunning := b.running
	b.running = false
	b.stateMu.Unlock()

	log := b.log.WithComponent("batcher")
	log.Info("stopping batcher")

	if wasRunning {
		stopped := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(stopGrace):
			log.Warn("context still live after stop grace period, halting flush worker")
			close(b.done)
			<-stopped
		}
	}

	b.drain()
	log.Info("batcher stopped")
}

// Enqueue transfers ownership of the record to the batcher. When the queue
// depth exceeds the high-water mark, the oldest TradeRecords are discarded
// down to the mark; book snapshot and delta records are never dropped, so
// book state stays reconstructable from the last durable snapshot.
func (b *Batcher) Enqueue(rec models.BatchRecord) {
	b.mu.Lock()
	b.queue.PushBack(rec)
	depth := b.queue.Len()

	if depth > b.config.Batcher.HighWaterMark {
		b.backpressure.Store(true)
		removed := 0
		for i := 0; i < b.queue.Len() && b.queue.Len() > b.config.Batcher.HighWaterMark; {
			if b.queue.At(i).Kind == models.RecordTrade {
				b.queue.Remove(i)
				removed++
			} else {
				i++
			}
		}
		if removed > 0 {
			b.dropped.Add(int64(removed))
			metrics.RecordsDropped.WithLabelValues(string(models.RecordTrade)).Add(float64(removed))
		}
		depth = b.queue.Len()
	} else if depth <= b.config.Batcher.HighWaterMark/2 {
		b.backpressure.Store(false)
	}
	b.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	metrics.RecordsEnqueued.WithLabelValues(string(rec.Kind)).Inc()

	if depth >= b.config.Batcher.BatchSize {
		select {
		case b.nudge <- struct{}{}:
		default:
		}
	}
}

// Depth reports the current queue depth.
func (b *Batcher) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Len()
}

// Dropped reports the monotonic count of records discarded under backpressure.
func (b *Batcher) Dropped() int64 {
	return b.dropped.Load()
}

// Backpressure reports whether the queue recently exceeded the high-water mark.
func (b *Batcher) Backpressure() bool {
	return b.backpressure.Load()
}

func (b *Batcher) flushWorker() {
	defer b.wg.Done()

	log := b.log.WithComponent("batcher").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	ticker := time.NewTicker(b.config.Batcher.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-b.done:
			log.Info("flush worker halted by stop")
			return
		case <-b.nudge:
			// Flush every full batch already queued.
			for b.Depth() >= b.config.Batcher.BatchSize {
				b.flushOnce()
			}
			ticker.Reset(b.config.Batcher.FlushInterval)
		case <-ticker.C:
			if b.Depth() > 0 {
				b.flushOnce()
			}
		}
	}
}

// drain flushes everything left in the queue; used on shutdown.
func (b *Batcher) drain() {
	for b.Depth() > 0 {
		b.flushOnce()
	}
}

// flushOnce pops up to one batch of records and writes it through. Each
// record is flushed at most once: records leave the queue before the write
// and either land in storage or in the fallback log.
func (b *Batcher) flushOnce() {
	b.mu.Lock()
	n := b.queue.Len()
	if n == 0 {
		b.mu.Unlock()
		return
	}
	if n > b.config.Batcher.BatchSize {
		n = b.config.Batcher.BatchSize
	}
	batch := &models.Batch{
		BatchID:   uuid.New().String(),
		Records:   make([]models.BatchRecord, 0, n),
		CreatedAt: time.Now().UTC(),
	}
	for i := 0; i < n; i++ {
		batch.Records = append(batch.Records, b.queue.PopFront())
	}
	depth := b.queue.Len()
	b.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	b.writeWithRetry(batch)
}

func (b *Batcher) writeWithRetry(batch *models.Batch) {
	log := b.log.WithComponent("batcher").WithFields(logger.Fields{
		"batch_id": batch.BatchID,
		"records":  len(batch.Records),
	})

	retry := &backoff.Backoff{
		Min:    b.config.Batcher.Retry.BaseDelay,
		Max:    b.config.Batcher.Retry.MaxDelay,
		Factor: 2,
		Jitter: true,
	}

	// Shutdown must not abort an in-flight write; the batch is already out
	// of the queue.
	ctx := context.WithoutCancel(b.ctx)

	for attempt := 1; ; attempt++ {
		err := b.store.WriteBatch(ctx, batch)
		if err == nil {
			metrics.BatchesFlushed.Inc()
			metrics.RecordsFlushed.Add(float64(len(batch.Records)))
			log.WithField("attempt", attempt).Debug("batch flushed")
			return
		}

		if attempt >= b.config.Batcher.Retry.MaxAttempts {
			log.WithError(err).WithField("attempts", attempt).Error("storage write retries exhausted")
			b.spill(batch, err)
			return
		}

		metrics.FlushRetries.Inc()
		delay := retry.Duration()
		log.WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Warn("storage write failed, retrying")

		select {
		case <-time.After(delay):
		case <-b.ctx.Done():
			// Last chance before shutdown completes.
			if err := b.store.WriteBatch(ctx, batch); err != nil {
				b.spill(batch, err)
			} else {
				metrics.BatchesFlushed.Inc()
				metrics.RecordsFlushed.Add(float64(len(batch.Records)))
			}
			return
		}
	}
}

func (b *Batcher) spill(batch *models.Batch, cause error) {
	metrics.BatchesSpilled.Inc()
	metrics.PublishCounter(context.WithoutCancel(b.ctx), "SpilledBatches", 1, map[string]string{
		"component": "batcher",
	})
	if err := b.fallback.Spill(batch, cause.Error()); err != nil {
		b.log.WithComponent("batcher").WithError(err).WithField("batch_id", batch.BatchID).
			Error("failed to spill batch, records lost")
		b.dropped.Add(int64(len(batch.Records)))
	}
}
