package trade

import (
	"iter"
	"sync"
	"time"

	"github.com/gammazero/deque"

	"cryptomon/logger"
	"cryptomon/models"
)

// symbolTrades is one symbol's bounded trade history. The deque acts as a
// ring: when capacity is reached the oldest print is evicted as the newest
// is appended.
type symbolTrades struct {
	mu     sync.RWMutex
	lastID int64
	ring   deque.Deque[models.Trade]
}

// Stream keeps a bounded, ordered trade history per symbol. Appends come from
// the dispatcher shard owning the symbol; reads take copies and never observe
// mid-iteration mutation.
type Stream struct {
	mu       sync.RWMutex
	capacity int
	symbols  map[string]*symbolTrades
	log      *logger.Log
}

// NewStream creates a trade history with the given per-symbol capacity.
func NewStream(capacity int) *Stream {
	if capacity < 1 {
		capacity = 1
	}
	return &Stream{
		capacity: capacity,
		symbols:  make(map[string]*symbolTrades),
		log:      logger.GetLogger(),
	}
}

func (s *Stream) buffer(symbol string, create bool) *symbolTrades {
	s.mu.RLock()
	st := s.symbols[symbol]
	s.mu.RUnlock()
	if st != nil || !create {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st = s.symbols[symbol]; st == nil {
		st = &symbolTrades{}
		s.symbols[symbol] = st
	}
	return st
}

// Append accepts a trade only when its id is strictly greater than the last
// accepted id for the symbol; duplicates and out-of-order prints are dropped,
// never reordered. Returns whether the trade was accepted.
func (s *Stream) Append(t models.Trade) bool {
	st := s.buffer(t.Symbol, true)

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.ring.Len() > 0 && t.TradeID <= st.lastID {
		return false
	}
	if st.ring.Len() >= s.capacity {
		st.ring.PopFront()
	}
	st.ring.PushBack(t)
	st.lastID = t.TradeID
	return true
}

// snapshot copies the current contents under the read lock.
func (st *symbolTrades) snapshot() []models.Trade {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]models.Trade, st.ring.Len())
	for i := 0; i < st.ring.Len(); i++ {
		out[i] = st.ring.At(i)
	}
	return out
}

// Recent returns a restartable sequence over the most recent k trades for the
// symbol, oldest first. The sequence reflects the contents at call time.
func (s *Stream) Recent(symbol string, k int) iter.Seq[models.Trade] {
	var trades []models.Trade
	if st := s.buffer(symbol, false); st != nil {
		trades = st.snapshot()
	}
	if k > 0 && len(trades) > k {
		trades = trades[len(trades)-k:]
	}
	return func(yield func(models.Trade) bool) {
		for _, t := range trades {
			if !yield(t) {
				return
			}
		}
	}
}

// Since returns a restartable sequence over trades at or after ts, oldest
// first, reflecting the contents at call time.
func (s *Stream) Since(symbol string, ts time.Time) iter.Seq[models.Trade] {
	var trades []models.Trade
	if st := s.buffer(symbol, false); st != nil {
		trades = st.snapshot()
	}
	return func(yield func(models.Trade) bool) {
		for _, t := range trades {
			if t.Timestamp.Before(ts) {
				continue
			}
			if !yield(t) {
				return
			}
		}
	}
}

// Len reports the number of retained trades for a symbol.
func (s *Stream) Len(symbol string) int {
	st := s.buffer(symbol, false)
	if st == nil {
		return 0
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.ring.Len()
}

// Forget drops all history for a symbol, e.g. on unsubscribe.
func (s *Stream) Forget(symbol string) {
	s.mu.Lock()
	delete(s.symbols, symbol)
	s.mu.Unlock()
}
