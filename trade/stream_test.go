package trade

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cryptomon/models"
)

func mkTrade(id int64, ts time.Time) models.Trade {
	return models.Trade{
		TradeID:   id,
		Symbol:    "BTCUSDT",
		Price:     decimal.New(10000, 0),
		Quantity:  decimal.New(1, 0),
		Side:      models.SideBid,
		Timestamp: ts,
	}
}

func TestAppendRejectsNonIncreasingIDs(t *testing.T) {
	s := NewStream(10)
	now := time.Now()

	if !s.Append(mkTrade(5, now)) {
		t.Fatal("expected first trade accepted")
	}
	if s.Append(mkTrade(5, now)) {
		t.Error("duplicate id accepted")
	}
	if s.Append(mkTrade(3, now)) {
		t.Error("out-of-order id accepted")
	}
	if !s.Append(mkTrade(6, now)) {
		t.Error("increasing id rejected")
	}
	if got := s.Len("BTCUSDT"); got != 2 {
		t.Errorf("expected 2 trades retained, got %d", got)
	}
}

func TestEvictionKeepsLastCapacityTrades(t *testing.T) {
	const capacity = 1000
	s := NewStream(capacity)
	now := time.Now()

	for id := int64(1); id <= 1500; id++ {
		if !s.Append(mkTrade(id, now)) {
			t.Fatalf("trade %d rejected", id)
		}
	}

	if got := s.Len("BTCUSDT"); got != capacity {
		t.Fatalf("expected %d trades, got %d", capacity, got)
	}

	want := int64(501)
	for tr := range s.Recent("BTCUSDT", 0) {
		if tr.TradeID != want {
			t.Fatalf("expected id %d, got %d", want, tr.TradeID)
		}
		want++
	}
	if want != 1501 {
		t.Fatalf("iteration stopped at %d", want)
	}
}

func TestRecentReturnsLastK(t *testing.T) {
	s := NewStream(100)
	now := time.Now()
	for id := int64(1); id <= 20; id++ {
		s.Append(mkTrade(id, now))
	}

	var ids []int64
	for tr := range s.Recent("BTCUSDT", 5) {
		ids = append(ids, tr.TradeID)
	}
	if len(ids) != 5 || ids[0] != 16 || ids[4] != 20 {
		t.Fatalf("unexpected recent ids: %v", ids)
	}
}

func TestRecentIsRestartableAndIsolated(t *testing.T) {
	s := NewStream(100)
	now := time.Now()
	for id := int64(1); id <= 3; id++ {
		s.Append(mkTrade(id, now))
	}

	seq := s.Recent("BTCUSDT", 0)

	// Mutations after the call are not visible through the sequence.
	s.Append(mkTrade(4, now))

	for pass := 0; pass < 2; pass++ {
		count := 0
		for range seq {
			count++
		}
		if count != 3 {
			t.Fatalf("pass %d: expected 3 trades, got %d", pass, count)
		}
	}
}

func TestSinceFiltersByTimestamp(t *testing.T) {
	s := NewStream(100)
	base := time.Now()
	for id := int64(1); id <= 10; id++ {
		s.Append(mkTrade(id, base.Add(time.Duration(id)*time.Second)))
	}

	cutoff := base.Add(8 * time.Second)
	var ids []int64
	for tr := range s.Since("BTCUSDT", cutoff) {
		ids = append(ids, tr.TradeID)
	}
	if len(ids) != 3 || ids[0] != 8 {
		t.Fatalf("unexpected ids since cutoff: %v", ids)
	}
}

func TestUnknownSymbolYieldsEmpty(t *testing.T) {
	s := NewStream(10)
	for range s.Recent("NOPE", 5) {
		t.Fatal("expected empty sequence")
	}
}
