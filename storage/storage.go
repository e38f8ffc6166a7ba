// Package storage persists record batches to the two append-only tables:
// trades and book_events. Batches are written all-or-nothing; a failed write
// leaves storage untouched so the batcher can retry or spill.
package storage

import (
	"context"

	"cryptomon/models"
)

// Store writes batches durably. Implementations must treat WriteBatch as
// atomic per batch: either every record is persisted or the error is
// returned and nothing is.
type Store interface {
	WriteBatch(ctx context.Context, batch *models.Batch) error
	Close() error
}

// tradeRow is the persisted shape of one trade print. Prices are stored as
// decimal strings so replays compare exactly.
type tradeRow struct {
	TradeID   int64  `parquet:"name=trade_id, type=INT64"`
	Symbol    string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quantity  string `parquet:"name=quantity, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side      string `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64  `parquet:"name=timestamp, type=INT64"`
}

// bookEventRow is one flattened price level of an accepted snapshot or delta.
type bookEventRow struct {
	Symbol    string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpdateID  int64  `parquet:"name=update_id, type=INT64"`
	Side      string `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quantity  string `parquet:"name=quantity, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventType string `parquet:"name=event_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64  `parquet:"name=timestamp, type=INT64"`
}

// flattenBatch splits a batch into its table rows.
func flattenBatch(batch *models.Batch) (trades []tradeRow, events []bookEventRow) {
	for _, rec := range batch.Records {
		switch rec.Kind {
		case models.RecordTrade:
			t := rec.Trade
			if t == nil {
				continue
			}
			trades = append(trades, tradeRow{
				TradeID:   t.TradeID,
				Symbol:    t.Symbol,
				Price:     t.Price.String(),
				Quantity:  t.Quantity.String(),
				Side:      string(t.Side),
				Timestamp: t.Timestamp.UnixMilli(),
			})
		default:
			ev := rec.BookEvent
			if ev == nil {
				continue
			}
			for _, lvl := range ev.Bids {
				events = append(events, bookEventRow{
					Symbol:    ev.Symbol,
					UpdateID:  ev.UpdateID,
					Side:      string(models.SideBid),
					Price:     lvl.Price.String(),
					Quantity:  lvl.Quantity.String(),
					EventType: string(ev.Kind),
					Timestamp: ev.Timestamp.UnixMilli(),
				})
			}
			for _, lvl := range ev.Asks {
				events = append(events, bookEventRow{
					Symbol:    ev.Symbol,
					UpdateID:  ev.UpdateID,
					Side:      string(models.SideAsk),
					Price:     lvl.Price.String(),
					Quantity:  lvl.Quantity.String(),
					EventType: string(ev.Kind),
					Timestamp: ev.Timestamp.UnixMilli(),
				})
			}
		}
	}
	return trades, events
}
