package models

import "time"

// RecordKind tags the members of the BatchRecord union.
type RecordKind string

const (
	RecordTrade        RecordKind = "trade"
	RecordBookDelta    RecordKind = "delta"
	RecordBookSnapshot RecordKind = "snapshot"
)

// BookEvent is the persisted form of a depth update: the levels touched by
// one accepted snapshot or delta, flattened per side by the storage layer.
type BookEvent struct {
	Symbol    string       `json:"symbol"`
	UpdateID  int64        `json:"update_id"`
	Kind      RecordKind   `json:"kind"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// BatchRecord is one queued persistence record. Exactly one of Trade or
// BookEvent is set, according to Kind. Ownership passes to the batcher on
// enqueue; records are destroyed once durably flushed or dropped by the
// backpressure policy.
type BatchRecord struct {
	Kind      RecordKind
	Trade     *Trade
	BookEvent *BookEvent
}

// Symbol returns the symbol the record belongs to.
func (r BatchRecord) Symbol() string {
	switch r.Kind {
	case RecordTrade:
		if r.Trade != nil {
			return r.Trade.Symbol
		}
	default:
		if r.BookEvent != nil {
			return r.BookEvent.Symbol
		}
	}
	return ""
}

// TradeBatchRecord wraps a trade print for enqueueing.
func TradeBatchRecord(t Trade) BatchRecord {
	return BatchRecord{Kind: RecordTrade, Trade: &t}
}

// DeltaBatchRecord wraps an accepted delta for enqueueing.
func DeltaBatchRecord(d BookDelta) BatchRecord {
	return BatchRecord{Kind: RecordBookDelta, BookEvent: &BookEvent{
		Symbol:    d.Symbol,
		UpdateID:  d.FinalUpdateID,
		Kind:      RecordBookDelta,
		Bids:      d.Bids,
		Asks:      d.Asks,
		Timestamp: d.Timestamp,
	}}
}

// SnapshotBatchRecord wraps an applied snapshot for enqueueing.
func SnapshotBatchRecord(s BookSnapshot) BatchRecord {
	return BatchRecord{Kind: RecordBookSnapshot, BookEvent: &BookEvent{
		Symbol:    s.Symbol,
		UpdateID:  s.LastUpdateID,
		Kind:      RecordBookSnapshot,
		Bids:      s.Bids,
		Asks:      s.Asks,
		Timestamp: s.Timestamp,
	}}
}

// Batch is a bounded group of records flushed to storage as one write.
type Batch struct {
	BatchID   string        `json:"batch_id"`
	Records   []BatchRecord `json:"records"`
	CreatedAt time.Time     `json:"created_at"`
}
