package book

import (
	"sync"
	"time"

	rbt "github.com/emirpasic/gods/trees/redblacktree"
	"github.com/gammazero/deque"
	"github.com/shopspring/decimal"

	"cryptomon/logger"
	"cryptomon/metrics"
	"cryptomon/models"
)

// ApplyResult reports what the engine did with a delta.
type ApplyResult int

const (
	// ResultApplied means the delta was contiguous and merged into the book.
	ResultApplied ApplyResult = iota
	// ResultStale means the delta's ids were already covered and it was dropped.
	ResultStale
	// ResultBuffered means the symbol is resyncing and the delta was retained
	// for replay after the fresh snapshot.
	ResultBuffered
	// ResultGap means a sequence gap was detected; the book was discarded and
	// a resync was requested.
	ResultGap
)

// ResyncFunc is invoked when a symbol needs a fresh authoritative snapshot.
// It must not block; the connection manager coalesces and counts requests.
type ResyncFunc func(symbol string)

// bidComparator orders bids descending by price, askComparator asks ascending.
func bidComparator(a, b interface{}) int {
	return b.(decimal.Decimal).Cmp(a.(decimal.Decimal))
}

func askComparator(a, b interface{}) int {
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

// symbolBook holds one symbol's live depth state. Writes come only from the
// dispatcher shard owning the symbol; the mutex exists so concurrent readers
// can take consistent copies.
type symbolBook struct {
	mu           sync.RWMutex
	bids         *rbt.Tree
	asks         *rbt.Tree
	lastUpdateID int64
	resyncing    bool
	pending      deque.Deque[models.BookDelta]
	updatedAt    time.Time
}

func newSymbolBook() *symbolBook {
	return &symbolBook{
		bids:      rbt.NewWith(bidComparator),
		asks:      rbt.NewWith(askComparator),
		resyncing: true,
	}
}

// Engine is the authoritative per-symbol order-book state machine. A delta is
// accepted only when its first update id directly follows the last applied
// one; anything else is a stale duplicate, a buffered resync candidate, or a
// gap that forces a fresh snapshot.
type Engine struct {
	mu            sync.RWMutex
	books         map[string]*symbolBook
	bufferLimit   int
	requestResync ResyncFunc
	log           *logger.Log
}

// NewEngine creates an engine. bufferLimit bounds the number of deltas kept
// per symbol while a resync snapshot is awaited; resync is called whenever a
// fresh snapshot is needed.
func NewEngine(bufferLimit int, resync ResyncFunc) *Engine {
	if bufferLimit < 1 {
		bufferLimit = 1
	}
	if resync == nil {
		resync = func(string) {}
	}
	return &Engine{
		books:         make(map[string]*symbolBook),
		bufferLimit:   bufferLimit,
		requestResync: resync,
		log:           logger.GetLogger(),
	}
}

func (e *Engine) book(symbol string, create bool) *symbolBook {
	e.mu.RLock()
	b := e.books[symbol]
	e.mu.RUnlock()
	if b != nil || !create {
		return b
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if b = e.books[symbol]; b == nil {
		b = newSymbolBook()
		e.books[symbol] = b
	}
	return b
}

// ApplySnapshot replaces the symbol's book wholesale and replays any deltas
// buffered during a resync, provided their id range still continues from the
// snapshot's id. The replayed deltas are returned in application order so the
// caller can persist them; a discontinuous buffer is discarded, a further
// resync requested, and nil returned.
func (e *Engine) ApplySnapshot(snap models.BookSnapshot) []models.BookDelta {
	b := e.book(snap.Symbol, true)
	log := e.log.WithComponent("book_engine").WithFields(logger.Fields{
		"symbol":         snap.Symbol,
		"last_update_id": snap.LastUpdateID,
	})

	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = rbt.NewWith(bidComparator)
	b.asks = rbt.NewWith(askComparator)
	for _, lvl := range snap.Bids {
		if !lvl.Quantity.IsZero() {
			b.bids.Put(lvl.Price, lvl.Quantity)
		}
	}
	for _, lvl := range snap.Asks {
		if !lvl.Quantity.IsZero() {
			b.asks.Put(lvl.Price, lvl.Quantity)
		}
	}
	b.lastUpdateID = snap.LastUpdateID
	b.updatedAt = snap.Timestamp
	b.resyncing = false

	var replayed []models.BookDelta
	for b.pending.Len() > 0 {
		d := b.pending.PopFront()
		if d.FirstUpdateID <= b.lastUpdateID {
			continue // covered by the snapshot
		}
		if d.FirstUpdateID != b.lastUpdateID+1 {
			// Buffer no longer continues from the snapshot; start over.
			b.pending.Clear()
			b.resyncing = true
			log.WithField("first_update_id", d.FirstUpdateID).Warn("buffered deltas discontinuous after snapshot, requesting resync")
			e.requestResync(snap.Symbol)
			return nil
		}
		b.merge(d)
		replayed = append(replayed, d)
	}

	log.WithField("replayed", len(replayed)).Debug("snapshot applied")
	return replayed
}

// ApplyDelta merges an incremental update. The caller owns delta; levels with
// zero quantity remove the price from the side.
func (e *Engine) ApplyDelta(delta models.BookDelta) ApplyResult {
	b := e.book(delta.Symbol, true)
	log := e.log.WithComponent("book_engine").WithFields(logger.Fields{
		"symbol":          delta.Symbol,
		"first_update_id": delta.FirstUpdateID,
		"final_update_id": delta.FinalUpdateID,
	})

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.resyncing {
		if b.pending.Len() >= e.bufferLimit {
			// Bounded buffer overflowed; the awaited snapshot is too old to
			// ever catch up, so drop everything and ask again.
			b.pending.Clear()
			log.Warn("resync buffer overflow, requesting fresh snapshot")
			e.requestResync(delta.Symbol)
			return ResultBuffered
		}
		b.pending.PushBack(delta)
		return ResultBuffered
	}

	switch {
	case delta.FirstUpdateID <= b.lastUpdateID:
		// Already applied.
		return ResultStale
	case delta.FirstUpdateID == b.lastUpdateID+1:
		b.merge(delta)
		return ResultApplied
	default:
		// Gap: the stale book cannot be repaired incrementally.
		b.bids = rbt.NewWith(bidComparator)
		b.asks = rbt.NewWith(askComparator)
		b.resyncing = true
		b.pending.Clear()
		b.pending.PushBack(delta)
		log.WithField("last_update_id", b.lastUpdateID).Warn("sequence gap detected, requesting resync")
		metrics.SequenceGaps.WithLabelValues(delta.Symbol).Inc()
		e.requestResync(delta.Symbol)
		return ResultGap
	}
}

// merge assumes b.mu is held and the delta is contiguous.
func (b *symbolBook) merge(delta models.BookDelta) {
	for _, lvl := range delta.Bids {
		if lvl.Quantity.IsZero() {
			b.bids.Remove(lvl.Price)
		} else {
			b.bids.Put(lvl.Price, lvl.Quantity)
		}
	}
	for _, lvl := range delta.Asks {
		if lvl.Quantity.IsZero() {
			b.asks.Remove(lvl.Price)
		} else {
			b.asks.Put(lvl.Price, lvl.Quantity)
		}
	}
	b.lastUpdateID = delta.FinalUpdateID
	b.updatedAt = delta.Timestamp
}

// Snapshot returns an immutable copy of the symbol's book, safe for
// concurrent readers. ok is false while the symbol has no synced book.
func (e *Engine) Snapshot(symbol string) (models.BookSnapshot, bool) {
	b := e.book(symbol, false)
	if b == nil {
		return models.BookSnapshot{}, false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.resyncing {
		return models.BookSnapshot{}, false
	}

	snap := models.BookSnapshot{
		Symbol:       symbol,
		LastUpdateID: b.lastUpdateID,
		Bids:         make([]models.PriceLevel, 0, b.bids.Size()),
		Asks:         make([]models.PriceLevel, 0, b.asks.Size()),
		Timestamp:    b.updatedAt,
	}
	it := b.bids.Iterator()
	for it.Next() {
		snap.Bids = append(snap.Bids, models.PriceLevel{
			Price:    it.Key().(decimal.Decimal),
			Quantity: it.Value().(decimal.Decimal),
		})
	}
	it = b.asks.Iterator()
	for it.Next() {
		snap.Asks = append(snap.Asks, models.PriceLevel{
			Price:    it.Key().(decimal.Decimal),
			Quantity: it.Value().(decimal.Decimal),
		})
	}
	return snap, true
}

// Resyncing reports whether the symbol is awaiting a fresh snapshot.
func (e *Engine) Resyncing(symbol string) bool {
	b := e.book(symbol, false)
	if b == nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.resyncing
}

// Forget drops all state for a symbol, e.g. on unsubscribe.
func (e *Engine) Forget(symbol string) {
	e.mu.Lock()
	delete(e.books, symbol)
	e.mu.Unlock()
}
