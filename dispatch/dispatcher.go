package dispatch

import (
	"context"
	"fmt"
	"hash/fnv"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	appconfig "cryptomon/config"
	"cryptomon/batcher"
	"cryptomon/book"
	"cryptomon/logger"
	"cryptomon/metrics"
	"cryptomon/models"
	"cryptomon/trade"
)

// NotificationKind tags what changed for a subscribed observer.
type NotificationKind string

const (
	NotifyTrade NotificationKind = "trade"
	NotifyBook  NotificationKind = "book"
	NotifyState NotificationKind = "state"
)

// Notification tells an observer that new state is available for pulling.
// It carries no payload; observers read through the snapshot surface.
type Notification struct {
	Kind   NotificationKind
	Symbol string
}

// Dispatcher routes decoded feed events into the book engine and trade
// stream, forwards the resulting records to the batcher, and exposes the
// read surface for views. Events are sharded by symbol hash so work
// parallelizes across symbols while each symbol's events stay in arrival
// order.
type Dispatcher struct {
	config *appconfig.Config

	books   *book.Engine
	trades  *trade.Stream
	batcher *batcher.Batcher
	events  <-chan models.Event

	shards []chan models.Event
	done   chan struct{}

	state atomic.Int32

	observerMu   sync.RWMutex
	observers    map[int]chan Notification
	nextObserver int

	ctx       context.Context
	wg        *sync.WaitGroup
	runningMu sync.Mutex
	running   bool
	log       *logger.Log
}

// NewDispatcher wires the routing layer between a feed event stream and the
// per-symbol state models.
func NewDispatcher(cfg *appconfig.Config, books *book.Engine, trades *trade.Stream, b *batcher.Batcher, events <-chan models.Event) *Dispatcher {
	shards := cfg.Dispatcher.Shards
	if shards <= 0 {
		shards = 1
	}
	d := &Dispatcher{
		config:    cfg,
		books:     books,
		trades:    trades,
		batcher:   b,
		events:    events,
		shards:    make([]chan models.Event, shards),
		done:      make(chan struct{}),
		observers: make(map[int]chan Notification),
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
	}
	buffer := cfg.Dispatcher.ShardBuffer
	if buffer <= 0 {
		buffer = 1
	}
	for i := range d.shards {
		d.shards[i] = make(chan models.Event, buffer)
	}
	d.state.Store(int32(models.StateDisconnected))
	return d
}

// Start launches the router and one worker per shard.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.runningMu.Lock()
	if d.running {
		d.runningMu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.ctx = ctx
	d.runningMu.Unlock()

	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{"operation": "start"})
	log.WithField("shards", len(d.shards)).Info("starting dispatcher")

	for i := range d.shards {
		d.wg.Add(1)
		go d.shardWorker(i)
	}
	d.wg.Add(1)
	go d.router()

	log.Info("dispatcher started successfully")
	return nil
}

// stopGrace bounds how long Stop waits for the event stream to drain before
// forcing the router out. An orderly shutdown stops the feed first, closing
// the event channel well within the grace period.
var stopGrace = 10 * time.Second

// Stop waits until the event stream is drained and all shard workers exit.
// The upstream feed should be stopped first so the event channel closes; if
// it is not, Stop forces the router out after the grace period instead of
// blocking forever.
func (d *Dispatcher) Stop() {
	d.runningMu.Lock()
	wasRunning := d.running
	d.running = false
	d.runningMu.Unlock()

	log := d.log.WithComponent("dispatcher")
	log.Info("stopping dispatcher")

	if wasRunning {
		drained := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(stopGrace):
			log.Warn("event stream still open after stop grace period, forcing router exit")
			close(d.done)
			<-drained
		}
	}

	d.observerMu.Lock()
	for id, ch := range d.observers {
		close(ch)
		delete(d.observers, id)
	}
	d.observerMu.Unlock()
	d.log.WithComponent("dispatcher").Info("dispatcher stopped")
}

// router fans events out to shard workers by symbol hash. Connection state
// changes carry no symbol and are handled inline.
func (d *Dispatcher) router() {
	defer d.wg.Done()
	defer func() {
		for _, shard := range d.shards {
			close(shard)
		}
	}()

	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{"worker": "router"})
	log.Info("starting event router")

	for {
		var event models.Event
		var open bool
		select {
		case event, open = <-d.events:
		case <-d.done:
			log.Warn("event router forced out before stream close")
			return
		}
		if !open {
			log.Info("event stream closed, draining shards")
			return
		}

		if sc, ok := event.(models.ConnectionStateChanged); ok {
			metrics.EventsTotal.WithLabelValues("state").Inc()
			d.state.Store(int32(sc.State))
			d.notify(Notification{Kind: NotifyState})
			continue
		}

		shard := d.shards[shardIndex(event.EventSymbol(), len(d.shards))]
		select {
		case shard <- event:
		case <-d.done:
			log.Warn("event router forced out before stream close")
			return
		case <-d.ctx.Done():
			log.Info("event router stopped due to context cancellation")
			return
		}
	}
}

func shardIndex(symbol string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(shards))
}

// shardWorker applies events to the per-symbol models and enqueues the
// matching persistence records. It owns the write path for its symbols.
func (d *Dispatcher) shardWorker(i int) {
	defer d.wg.Done()

	for event := range d.shards[i] {
		switch ev := event.(type) {
		case models.TradeEvent:
			metrics.EventsTotal.WithLabelValues("trade").Inc()
			if d.trades.Append(ev.Trade) {
				d.batcher.Enqueue(models.TradeBatchRecord(ev.Trade))
				d.notify(Notification{Kind: NotifyTrade, Symbol: ev.Trade.Symbol})
			}

		case models.DepthDeltaEvent:
			metrics.EventsTotal.WithLabelValues("delta").Inc()
			if d.books.ApplyDelta(ev.Delta) == book.ResultApplied {
				d.batcher.Enqueue(models.DeltaBatchRecord(ev.Delta))
				d.notify(Notification{Kind: NotifyBook, Symbol: ev.Delta.Symbol})
			}

		case models.DepthSnapshotEvent:
			metrics.EventsTotal.WithLabelValues("snapshot").Inc()
			replayed := d.books.ApplySnapshot(ev.Snapshot)
			d.batcher.Enqueue(models.SnapshotBatchRecord(ev.Snapshot))
			// Deltas buffered during the resync were merged into the book by
			// the snapshot; persist them too so the durable delta stream stays
			// contiguous from the snapshot's update id.
			for _, delta := range replayed {
				d.batcher.Enqueue(models.DeltaBatchRecord(delta))
			}
			d.notify(Notification{Kind: NotifyBook, Symbol: ev.Snapshot.Symbol})
		}
	}
}

// notify wakes subscribed observers without ever blocking ingestion. A
// full observer channel misses the wakeup; the observer still sees the
// latest state on its next pull.
func (d *Dispatcher) notify(n Notification) {
	d.observerMu.RLock()
	defer d.observerMu.RUnlock()
	for _, ch := range d.observers {
		select {
		case ch <- n:
		default:
		}
	}
}

// Subscribe registers an observer. The returned cancel function must be
// called to release the channel; after cancel the channel is closed.
func (d *Dispatcher) Subscribe() (<-chan Notification, func()) {
	buffer := d.config.Dispatcher.NotifyBuffer
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Notification, buffer)

	d.observerMu.Lock()
	id := d.nextObserver
	d.nextObserver++
	d.observers[id] = ch
	d.observerMu.Unlock()

	cancel := func() {
		d.observerMu.Lock()
		defer d.observerMu.Unlock()
		if existing, ok := d.observers[id]; ok {
			delete(d.observers, id)
			close(existing)
		}
	}
	return ch, cancel
}

// CurrentSnapshot returns an immutable copy of the symbol's book. The
// second return is false while the symbol has no synced book.
func (d *Dispatcher) CurrentSnapshot(symbol string) (models.BookSnapshot, bool) {
	return d.books.Snapshot(symbol)
}

// RecentTrades returns up to k most recent trades for symbol, oldest first.
func (d *Dispatcher) RecentTrades(symbol string, k int) iter.Seq[models.Trade] {
	return d.trades.Recent(symbol, k)
}

// TradesSince returns trades at or after ts for symbol, oldest first.
func (d *Dispatcher) TradesSince(symbol string, ts time.Time) iter.Seq[models.Trade] {
	return d.trades.Since(symbol, ts)
}

// ConnectionState reports the last observed feed state.
func (d *Dispatcher) ConnectionState() models.ConnectionState {
	return models.ConnectionState(d.state.Load())
}

// Live reports whether book reads currently reflect a synced feed. Reads
// remain served while false, but callers should treat them as stale.
func (d *Dispatcher) Live() bool {
	return d.ConnectionState() == models.StateSynced
}

// Status is a point-in-time operational summary for external collaborators.
type Status struct {
	State          models.ConnectionState
	Live           bool
	QueueDepth     int
	DroppedRecords int64
	Backpressure   bool
}

// Status reports the connection state and persistence counters together.
func (d *Dispatcher) Status() Status {
	state := d.ConnectionState()
	return Status{
		State:          state,
		Live:           state == models.StateSynced,
		QueueDepth:     d.batcher.Depth(),
		DroppedRecords: d.batcher.Dropped(),
		Backpressure:   d.batcher.Backpressure(),
	}
}
