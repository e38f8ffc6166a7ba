package models

// Event is a decoded inbound message from a feed. Dispatcher routes events
// by symbol; events sharing a symbol are processed in arrival order.
type Event interface {
	EventSymbol() string
}

// TradeEvent wraps a decoded trade print.
type TradeEvent struct {
	Trade Trade
}

func (e TradeEvent) EventSymbol() string { return e.Trade.Symbol }

// DepthDeltaEvent wraps a decoded incremental book update.
type DepthDeltaEvent struct {
	Delta BookDelta
}

func (e DepthDeltaEvent) EventSymbol() string { return e.Delta.Symbol }

// DepthSnapshotEvent wraps a decoded full book snapshot.
type DepthSnapshotEvent struct {
	Snapshot BookSnapshot
}

func (e DepthSnapshotEvent) EventSymbol() string { return e.Snapshot.Symbol }

// ConnectionStateChanged reports a feed state transition. It carries no
// symbol; Dispatcher republishes it to observers and gates liveness of reads.
type ConnectionStateChanged struct {
	State  ConnectionState
	Reason string
}

func (e ConnectionStateChanged) EventSymbol() string { return "" }
