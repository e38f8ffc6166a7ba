package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptomon/batcher"
	"cryptomon/book"
	appconfig "cryptomon/config"
	"cryptomon/models"
	"cryptomon/trade"
)

func dispatchTestConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Dispatcher.Shards = 4
	cfg.Dispatcher.ShardBuffer = 64
	cfg.Dispatcher.NotifyBuffer = 16
	cfg.Trades.Capacity = 100
	cfg.Book.ResyncBuffer = 32
	cfg.Batcher.BatchSize = 1000
	cfg.Batcher.FlushInterval = time.Minute
	cfg.Batcher.HighWaterMark = 10000
	cfg.Batcher.Retry.MaxAttempts = 1
	return cfg
}

type fixture struct {
	events     chan models.Event
	dispatcher *Dispatcher
	batcher    *batcher.Batcher
	cancel     context.CancelFunc
}

// newFixture wires a dispatcher over in-memory models. The batcher's flush
// worker is never started, so enqueued records stay observable in the queue.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := dispatchTestConfig()
	events := make(chan models.Event, 64)
	b := batcher.NewBatcher(cfg, nil, nil)
	books := book.NewEngine(cfg.Book.ResyncBuffer, func(string) {})
	trades := trade.NewStream(cfg.Trades.Capacity)
	d := NewDispatcher(cfg, books, trades, b, events)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	return &fixture{events: events, dispatcher: d, batcher: b, cancel: cancel}
}

func (f *fixture) finish() {
	close(f.events)
	f.dispatcher.Stop()
	f.cancel()
}

func level(price, qty string) models.PriceLevel {
	return models.PriceLevel{
		Price:    decimal.RequireFromString(price),
		Quantity: decimal.RequireFromString(qty),
	}
}

func snapshotEvent(symbol string, lastID int64) models.DepthSnapshotEvent {
	return models.DepthSnapshotEvent{Snapshot: models.BookSnapshot{
		Symbol:       symbol,
		LastUpdateID: lastID,
		Bids:         []models.PriceLevel{level("50000", "1")},
		Asks:         []models.PriceLevel{level("50001", "2")},
		Timestamp:    time.Now().UTC(),
	}}
}

func deltaEvent(symbol string, first, final int64, bids []models.PriceLevel) models.DepthDeltaEvent {
	return models.DepthDeltaEvent{Delta: models.BookDelta{
		Symbol:        symbol,
		FirstUpdateID: first,
		FinalUpdateID: final,
		Bids:          bids,
		Timestamp:     time.Now().UTC(),
	}}
}

func tradeEvent(symbol string, id int64) models.TradeEvent {
	return models.TradeEvent{Trade: models.Trade{
		TradeID:   id,
		Symbol:    symbol,
		Price:     decimal.RequireFromString("50000"),
		Quantity:  decimal.RequireFromString("0.1"),
		Side:      models.SideBid,
		Timestamp: time.Now().UTC(),
	}}
}

func TestRoutesEventsToModelsAndBatcher(t *testing.T) {
	f := newFixture(t)

	f.events <- snapshotEvent("BTCUSDT", 100)
	f.events <- deltaEvent("BTCUSDT", 101, 101, []models.PriceLevel{level("50000", "3")})
	f.events <- tradeEvent("BTCUSDT", 1)
	f.events <- tradeEvent("BTCUSDT", 2)
	f.finish()

	snap, ok := f.dispatcher.CurrentSnapshot("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, int64(101), snap.LastUpdateID)
	require.Len(t, snap.Bids, 1)
	assert.True(t, snap.Bids[0].Quantity.Equal(decimal.RequireFromString("3")))

	var ids []int64
	for tr := range f.dispatcher.RecentTrades("BTCUSDT", 10) {
		ids = append(ids, tr.TradeID)
	}
	assert.Equal(t, []int64{1, 2}, ids)

	// snapshot + delta + two trades, all accepted.
	assert.Equal(t, 4, f.batcher.Depth())
}

func TestRejectedEventsEnqueueNothing(t *testing.T) {
	f := newFixture(t)

	f.events <- snapshotEvent("BTCUSDT", 100)
	f.events <- tradeEvent("BTCUSDT", 5)
	f.events <- tradeEvent("BTCUSDT", 5) // duplicate id, dropped
	f.events <- deltaEvent("BTCUSDT", 50, 60, nil) // stale, dropped
	f.finish()

	assert.Equal(t, 2, f.batcher.Depth(), "only the snapshot and first trade persist")
}

func TestPerSymbolOrderingUnderLoad(t *testing.T) {
	f := newFixture(t)

	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT"}
	for _, s := range symbols {
		f.events <- snapshotEvent(s, 0)
	}
	for id := int64(1); id <= 200; id++ {
		for _, s := range symbols {
			f.events <- deltaEvent(s, id, id, []models.PriceLevel{level("50000", "1")})
		}
	}
	f.finish()

	for _, s := range symbols {
		snap, ok := f.dispatcher.CurrentSnapshot(s)
		require.True(t, ok, s)
		assert.Equal(t, int64(200), snap.LastUpdateID, "every delta for %s applied in order", s)
	}
}

// captureStore records every flushed batch record in arrival order.
type captureStore struct {
	mu      sync.Mutex
	records []models.BatchRecord
}

func (s *captureStore) WriteBatch(_ context.Context, batch *models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, batch.Records...)
	return nil
}

func (s *captureStore) Close() error { return nil }

func (s *captureStore) flushed() []models.BatchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.BatchRecord, len(s.records))
	copy(out, s.records)
	return out
}

func TestReplayedDeltasPersistedAfterResync(t *testing.T) {
	cfg := dispatchTestConfig()
	events := make(chan models.Event, 64)
	store := &captureStore{}
	b := batcher.NewBatcher(cfg, store, nil)
	books := book.NewEngine(cfg.Book.ResyncBuffer, func(string) {})
	trades := trade.NewStream(cfg.Trades.Capacity)
	d := NewDispatcher(cfg, books, trades, b, events)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Start(ctx))
	require.NoError(t, d.Start(ctx))

	events <- snapshotEvent("BTCUSDT", 100)
	events <- deltaEvent("BTCUSDT", 101, 101, []models.PriceLevel{level("50000", "2")})
	// Gap at 105; 105..107 buffer while the resync snapshot is awaited.
	events <- deltaEvent("BTCUSDT", 105, 105, []models.PriceLevel{level("49999", "1")})
	events <- deltaEvent("BTCUSDT", 106, 106, []models.PriceLevel{level("49998", "1")})
	events <- deltaEvent("BTCUSDT", 107, 107, []models.PriceLevel{level("49997", "1")})
	events <- snapshotEvent("BTCUSDT", 104)
	close(events)
	d.Stop()
	cancel()
	b.Stop()

	snap, ok := d.CurrentSnapshot("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, int64(107), snap.LastUpdateID)

	// The durable stream carries the replayed deltas after the resync
	// snapshot, so replaying it reproduces the live book with no update id
	// skipped.
	var got []string
	for _, rec := range store.flushed() {
		got = append(got, fmt.Sprintf("%s:%d", rec.Kind, rec.BookEvent.UpdateID))
	}
	assert.Equal(t, []string{
		"snapshot:100",
		"delta:101",
		"snapshot:104",
		"delta:105",
		"delta:106",
		"delta:107",
	}, got)
}

func TestStopUnblocksWhenEventStreamStaysOpen(t *testing.T) {
	prev := stopGrace
	stopGrace = 50 * time.Millisecond
	defer func() { stopGrace = prev }()

	f := newFixture(t)
	defer f.cancel()

	// The event channel is never closed; Stop must still return once the
	// grace period expires.
	stopped := make(chan struct{})
	go func() {
		f.dispatcher.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an open event stream")
	}
}

func TestConnectionStateGatesLiveness(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.dispatcher.Live())

	f.events <- models.ConnectionStateChanged{State: models.StateSynced, Reason: "all symbols snapshotted"}
	f.finish()

	assert.Equal(t, models.StateSynced, f.dispatcher.ConnectionState())
	assert.True(t, f.dispatcher.Live())

	status := f.dispatcher.Status()
	assert.True(t, status.Live)
	assert.Equal(t, int64(0), status.DroppedRecords)
	assert.False(t, status.Backpressure)
}

func TestObserverNotifications(t *testing.T) {
	f := newFixture(t)

	ch, cancel := f.dispatcher.Subscribe()
	defer cancel()

	f.events <- snapshotEvent("BTCUSDT", 100)
	f.events <- tradeEvent("BTCUSDT", 1)
	f.events <- models.ConnectionStateChanged{State: models.StateSynced}
	f.finish()

	seen := map[NotificationKind]bool{}
	for len(seen) < 3 {
		select {
		case n := <-ch:
			seen[n.Kind] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("missing notifications, saw %v", seen)
		}
	}
	assert.True(t, seen[NotifyBook] && seen[NotifyTrade] && seen[NotifyState])
}

func TestSlowObserverNeverBlocksIngestion(t *testing.T) {
	f := newFixture(t)

	// Subscribed but never read; its buffer overflows and wakeups are missed.
	_, cancel := f.dispatcher.Subscribe()
	defer cancel()

	f.events <- snapshotEvent("BTCUSDT", 0)
	for id := int64(1); id <= 500; id++ {
		f.events <- tradeEvent("BTCUSDT", id)
	}
	f.finish()

	snap, ok := f.dispatcher.CurrentSnapshot("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, int64(0), snap.LastUpdateID)

	count := 0
	for range f.dispatcher.RecentTrades("BTCUSDT", 1000) {
		count++
	}
	assert.Equal(t, 100, count, "stream holds its capacity of most recent trades")
}
