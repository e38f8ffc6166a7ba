package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cryptomon/models"
)

// Wire protocol message types.
const (
	frameTrade      = "trade"
	frameDelta      = "depthDelta"
	frameSnapshot   = "depthSnapshot"
	frameSubscribed = "subscribed"
	frameError      = "error"
	framePong       = "pong"
)

// Subscription channels.
const (
	channelTrade = "trade"
	channelDepth = "depth"
)

// Server error codes that cannot be recovered by reconnecting.
const (
	codeAuthFailure     = 4001
	codeVersionMismatch = 4002
)

type subscribeRequest struct {
	Op      string `json:"op"`
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
}

// wireFrame is the superset of all inbound message shapes; Type selects
// which fields are meaningful.
type wireFrame struct {
	Type          string      `json:"type"`
	Symbol        string      `json:"symbol"`
	Code          int         `json:"code"`
	Message       string      `json:"message"`
	TradeID       int64       `json:"tradeId"`
	Price         string      `json:"price"`
	Quantity      string      `json:"quantity"`
	Side          string      `json:"side"`
	Timestamp     int64       `json:"timestamp"`
	LastUpdateID  int64       `json:"lastUpdateId"`
	FirstUpdateID int64       `json:"firstUpdateId"`
	FinalUpdateID int64       `json:"finalUpdateId"`
	Bids          [][2]string `json:"bids"`
	Asks          [][2]string `json:"asks"`
}

// FatalError is a server rejection that reconnecting cannot fix. It is
// surfaced to the supervisor instead of feeding the backoff loop.
type FatalError struct {
	Code    int
	Message string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal feed error %d: %s", e.Code, e.Message)
}

// decodeFrame turns one raw websocket message into a typed event. A nil
// event with nil error means the frame was administrative (ack, pong) and
// carries nothing for the dispatcher. Malformed frames return an error and
// are skipped by the caller.
func decodeFrame(data []byte) (models.Event, error) {
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch f.Type {
	case frameTrade:
		return decodeTrade(&f)
	case frameDelta:
		return decodeDelta(&f)
	case frameSnapshot:
		return decodeSnapshot(&f)
	case frameSubscribed, framePong:
		return nil, nil
	case frameError:
		if f.Code == codeAuthFailure || f.Code == codeVersionMismatch {
			return nil, &FatalError{Code: f.Code, Message: f.Message}
		}
		return nil, fmt.Errorf("feed error %d: %s", f.Code, f.Message)
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
}

func decodeTrade(f *wireFrame) (models.Event, error) {
	if f.Symbol == "" {
		return nil, fmt.Errorf("trade frame missing symbol")
	}
	price, err := decimal.NewFromString(f.Price)
	if err != nil {
		return nil, fmt.Errorf("trade price %q: %w", f.Price, err)
	}
	qty, err := decimal.NewFromString(f.Quantity)
	if err != nil {
		return nil, fmt.Errorf("trade quantity %q: %w", f.Quantity, err)
	}
	side, err := decodeSide(f.Side)
	if err != nil {
		return nil, err
	}
	return models.TradeEvent{Trade: models.Trade{
		TradeID:   f.TradeID,
		Symbol:    f.Symbol,
		Price:     price,
		Quantity:  qty,
		Side:      side,
		Timestamp: time.UnixMilli(f.Timestamp).UTC(),
	}}, nil
}

func decodeDelta(f *wireFrame) (models.Event, error) {
	if f.Symbol == "" {
		return nil, fmt.Errorf("delta frame missing symbol")
	}
	if f.FirstUpdateID <= 0 || f.FinalUpdateID < f.FirstUpdateID {
		return nil, fmt.Errorf("delta frame has invalid update id range [%d, %d]", f.FirstUpdateID, f.FinalUpdateID)
	}
	bids, err := decodeLevels(f.Bids)
	if err != nil {
		return nil, fmt.Errorf("delta bids: %w", err)
	}
	asks, err := decodeLevels(f.Asks)
	if err != nil {
		return nil, fmt.Errorf("delta asks: %w", err)
	}
	return models.DepthDeltaEvent{Delta: models.BookDelta{
		Symbol:        f.Symbol,
		FirstUpdateID: f.FirstUpdateID,
		FinalUpdateID: f.FinalUpdateID,
		Bids:          bids,
		Asks:          asks,
		Timestamp:     time.UnixMilli(f.Timestamp).UTC(),
	}}, nil
}

func decodeSnapshot(f *wireFrame) (models.Event, error) {
	if f.Symbol == "" {
		return nil, fmt.Errorf("snapshot frame missing symbol")
	}
	if f.LastUpdateID <= 0 {
		return nil, fmt.Errorf("snapshot frame has invalid lastUpdateId %d", f.LastUpdateID)
	}
	bids, err := decodeLevels(f.Bids)
	if err != nil {
		return nil, fmt.Errorf("snapshot bids: %w", err)
	}
	asks, err := decodeLevels(f.Asks)
	if err != nil {
		return nil, fmt.Errorf("snapshot asks: %w", err)
	}
	return models.DepthSnapshotEvent{Snapshot: models.BookSnapshot{
		Symbol:       f.Symbol,
		LastUpdateID: f.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
		Timestamp:    time.UnixMilli(f.Timestamp).UTC(),
	}}, nil
}

func decodeLevels(raw [][2]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, lv := range raw {
		price, err := decimal.NewFromString(lv[0])
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", lv[0], err)
		}
		qty, err := decimal.NewFromString(lv[1])
		if err != nil {
			return nil, fmt.Errorf("quantity %q: %w", lv[1], err)
		}
		levels = append(levels, models.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

func decodeSide(s string) (models.Side, error) {
	switch s {
	case "buy", "bid":
		return models.SideBid, nil
	case "sell", "ask":
		return models.SideAsk, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}
