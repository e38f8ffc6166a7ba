package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies which half of the book a price level or trade belongs to.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// PriceLevel is a single (price, quantity) pair on one side of the book.
// Prices and quantities are decimals, never binary floats, so that levels
// compare exactly across snapshot replays.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Trade is a single trade print. TradeID is strictly increasing per symbol
// stream; duplicates and out-of-order prints are dropped upstream.
type Trade struct {
	TradeID   int64           `json:"trade_id"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Side      Side            `json:"side"`
	Timestamp time.Time       `json:"timestamp"`
}

// BookSnapshot is the full depth state for a symbol at LastUpdateID.
// Bids are ordered descending by price, asks ascending.
type BookSnapshot struct {
	Symbol       string       `json:"symbol"`
	LastUpdateID int64        `json:"last_update_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Timestamp    time.Time    `json:"timestamp"`
}

// BookDelta is an incremental depth update covering the update-id range
// [FirstUpdateID, FinalUpdateID]. A zero quantity removes the level.
type BookDelta struct {
	Symbol        string       `json:"symbol"`
	FirstUpdateID int64        `json:"first_update_id"`
	FinalUpdateID int64        `json:"final_update_id"`
	Bids          []PriceLevel `json:"bids"`
	Asks          []PriceLevel `json:"asks"`
	Timestamp     time.Time    `json:"timestamp"`
}

// ConnectionState tracks the lifecycle of one managed exchange connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateSubscribing
	StateSynced
	StateResyncing
	StateDegraded
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateSynced:
		return "synced"
	case StateResyncing:
		return "resyncing"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}
