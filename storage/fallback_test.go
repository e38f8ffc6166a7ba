package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cryptomon/models"
)

func testBatch(id string, n int) *models.Batch {
	b := &models.Batch{BatchID: id, CreatedAt: time.Now().UTC()}
	for i := 0; i < n; i++ {
		b.Records = append(b.Records, models.TradeBatchRecord(models.Trade{
			TradeID:   int64(i + 1),
			Symbol:    "BTCUSDT",
			Price:     decimal.New(10000, 0),
			Quantity:  decimal.New(1, 0),
			Side:      models.SideBid,
			Timestamp: time.Now(),
		}))
	}
	return b
}

func TestFallbackSpillAndRecover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.log")
	f := NewFallbackLog(path)
	defer f.Close()

	if err := f.Spill(testBatch("b1", 3), "retries exhausted"); err != nil {
		t.Fatalf("spill: %v", err)
	}
	if err := f.Spill(testBatch("b2", 1), "retries exhausted"); err != nil {
		t.Fatalf("spill: %v", err)
	}
	if got := f.Spilled(); got != 2 {
		t.Errorf("expected 2 spilled batches, got %d", got)
	}

	batches, err := f.Recover()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("expected 2 recovered batches, got %d", len(batches))
	}
	if batches[0].BatchID != "b1" || batches[1].BatchID != "b2" {
		t.Errorf("unexpected batch order: %s, %s", batches[0].BatchID, batches[1].BatchID)
	}
	if len(batches[0].Records) != 3 {
		t.Errorf("expected 3 records in first batch, got %d", len(batches[0].Records))
	}
	if batches[0].Records[0].Kind != models.RecordTrade {
		t.Errorf("unexpected record kind: %s", batches[0].Records[0].Kind)
	}
}

func TestFallbackRecoverMissingFile(t *testing.T) {
	f := NewFallbackLog(filepath.Join(t.TempDir(), "missing.log"))
	batches, err := f.Recover()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if batches != nil {
		t.Errorf("expected nil batches, got %v", batches)
	}
}

func TestFlattenBatchSplitsTables(t *testing.T) {
	b := testBatch("b3", 2)
	b.Records = append(b.Records, models.SnapshotBatchRecord(models.BookSnapshot{
		Symbol:       "BTCUSDT",
		LastUpdateID: 42,
		Bids:         []models.PriceLevel{{Price: decimal.New(9999, 0), Quantity: decimal.New(2, 0)}},
		Asks:         []models.PriceLevel{{Price: decimal.New(10001, 0), Quantity: decimal.New(3, 0)}},
		Timestamp:    time.Now(),
	}))

	trades, events := flattenBatch(b)
	if len(trades) != 2 {
		t.Errorf("expected 2 trade rows, got %d", len(trades))
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 book event rows, got %d", len(events))
	}
	if events[0].Side != "bid" || events[1].Side != "ask" {
		t.Errorf("unexpected sides: %s, %s", events[0].Side, events[1].Side)
	}
	if events[0].EventType != "snapshot" {
		t.Errorf("unexpected event type: %s", events[0].EventType)
	}
	if events[0].UpdateID != 42 {
		t.Errorf("unexpected update id: %d", events[0].UpdateID)
	}
}
