package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	appconfig "cryptomon/config"
	"cryptomon/logger"
	"cryptomon/metrics"
	"cryptomon/models"
)

// BinanceSource feeds the same event stream as Manager, but natively from
// Binance futures streams through the binance-go client. Diff-depth events
// carry a previous-update-id; the source maps that onto the contiguous
// [first, final] range the book engine checks, so gap detection works
// unchanged.
type BinanceSource struct {
	config *appconfig.Config
	client *futures.Client

	events chan models.Event

	stopMu sync.Mutex
	stops  []chan struct{}

	resyncMu     sync.Mutex
	resyncQueued map[string]struct{}
	resyncKick   chan struct{}
	limiter      *rate.Limiter

	closeMu sync.RWMutex
	closed  bool

	ctx       context.Context
	wg        *sync.WaitGroup
	runningMu sync.Mutex
	running   bool
	log       *logger.Log
}

// NewBinanceSource creates a source for the symbols in cfg.Source.Binance.
func NewBinanceSource(cfg *appconfig.Config) *BinanceSource {
	client := futures.NewClient("", "")
	client.HTTPClient = &http.Client{Timeout: cfg.Source.Binance.Timeout}
	if cfg.Source.Binance.RestURL != "" {
		if parsed, err := url.Parse(cfg.Source.Binance.RestURL); err == nil {
			client.SetApiEndpoint(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
		}
	}

	perSecond := cfg.Feed.ResyncPerSecond
	if perSecond <= 0 {
		perSecond = 5
	}
	return &BinanceSource{
		config:       cfg,
		client:       client,
		events:       make(chan models.Event, cfg.Dispatcher.EventBuffer),
		resyncQueued: make(map[string]struct{}),
		resyncKick:   make(chan struct{}, 1),
		limiter:      rate.NewLimiter(rate.Limit(perSecond), 1),
		wg:           &sync.WaitGroup{},
		log:          logger.GetLogger(),
	}
}

// Events is the decoded event stream consumed by the dispatcher.
func (bs *BinanceSource) Events() <-chan models.Event {
	return bs.events
}

// Start subscribes the websocket streams and fetches the initial depth
// snapshot for every symbol.
func (bs *BinanceSource) Start(ctx context.Context) error {
	bs.runningMu.Lock()
	if bs.running {
		bs.runningMu.Unlock()
		return fmt.Errorf("binance source already running")
	}
	bs.running = true
	bs.ctx = ctx
	bs.runningMu.Unlock()

	log := bs.log.WithComponent("binance_source").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"symbols": bs.config.Source.Binance.Symbols,
		"depth":   bs.config.Source.Binance.Depth,
	}).Info("starting binance source")

	for _, symbol := range bs.config.Source.Binance.Symbols {
		if err := bs.subscribeSymbol(symbol); err != nil {
			return fmt.Errorf("subscribe %s: %w", symbol, err)
		}
	}

	bs.wg.Add(1)
	go bs.resyncWorker()

	// Streams buffer while the snapshots load; the engine holds deltas
	// until its snapshot lands.
	for _, symbol := range bs.config.Source.Binance.Symbols {
		bs.RequestResync(symbol)
	}

	log.Info("binance source started successfully")
	return nil
}

// Stop closes the stream subscriptions and waits for workers.
func (bs *BinanceSource) Stop() {
	bs.runningMu.Lock()
	bs.running = false
	bs.runningMu.Unlock()

	bs.log.WithComponent("binance_source").Info("stopping binance source")
	bs.stopMu.Lock()
	for _, stop := range bs.stops {
		close(stop)
	}
	bs.stops = nil
	bs.stopMu.Unlock()

	bs.wg.Wait()

	// In-flight stream callbacks must not hit a closed channel.
	bs.closeMu.Lock()
	bs.closed = true
	close(bs.events)
	bs.closeMu.Unlock()
	bs.log.WithComponent("binance_source").Info("binance source stopped")
}

// RequestResync schedules a REST depth snapshot fetch for symbol.
func (bs *BinanceSource) RequestResync(symbol string) {
	bs.resyncMu.Lock()
	bs.resyncQueued[symbol] = struct{}{}
	bs.resyncMu.Unlock()

	metrics.Resyncs.WithLabelValues(symbol).Inc()
	select {
	case bs.resyncKick <- struct{}{}:
	default:
	}
}

func (bs *BinanceSource) subscribeSymbol(symbol string) error {
	errHandler := func(err error) {
		metrics.ProtocolErrors.Inc()
		bs.log.WithComponent("binance_source").WithError(err).
			WithField("symbol", symbol).Warn("stream error")
	}

	_, depthStop, err := futures.WsDiffDepthServe(symbol, bs.handleDepth, errHandler)
	if err != nil {
		return fmt.Errorf("depth stream: %w", err)
	}
	_, tradeStop, err := futures.WsAggTradeServe(symbol, bs.handleAggTrade, errHandler)
	if err != nil {
		close(depthStop)
		return fmt.Errorf("trade stream: %w", err)
	}

	bs.stopMu.Lock()
	bs.stops = append(bs.stops, depthStop, tradeStop)
	bs.stopMu.Unlock()
	return nil
}

func (bs *BinanceSource) handleDepth(event *futures.WsDepthEvent) {
	bids, err := decodeBinanceLevels(event.Bids)
	if err != nil {
		metrics.ProtocolErrors.Inc()
		bs.log.WithComponent("binance_source").WithError(err).Warn("skipping depth event")
		return
	}
	asks, err := decodeBinanceAskLevels(event.Asks)
	if err != nil {
		metrics.ProtocolErrors.Inc()
		bs.log.WithComponent("binance_source").WithError(err).Warn("skipping depth event")
		return
	}

	bs.emit(models.DepthDeltaEvent{Delta: models.BookDelta{
		Symbol:        event.Symbol,
		FirstUpdateID: event.PrevLastUpdateID + 1,
		FinalUpdateID: event.LastUpdateID,
		Bids:          bids,
		Asks:          asks,
		Timestamp:     time.UnixMilli(event.Time).UTC(),
	}})
}

func (bs *BinanceSource) handleAggTrade(event *futures.WsAggTradeEvent) {
	price, err := decimal.NewFromString(event.Price)
	if err != nil {
		metrics.ProtocolErrors.Inc()
		return
	}
	qty, err := decimal.NewFromString(event.Quantity)
	if err != nil {
		metrics.ProtocolErrors.Inc()
		return
	}

	// Buyer-is-maker means the aggressor sold into the bid.
	side := models.SideBid
	if event.Maker {
		side = models.SideAsk
	}

	bs.emit(models.TradeEvent{Trade: models.Trade{
		TradeID:   event.AggregateTradeID,
		Symbol:    event.Symbol,
		Price:     price,
		Quantity:  qty,
		Side:      side,
		Timestamp: time.UnixMilli(event.TradeTime).UTC(),
	}})
}

func (bs *BinanceSource) resyncWorker() {
	defer bs.wg.Done()

	log := bs.log.WithComponent("binance_source").WithFields(logger.Fields{"worker": "resync"})
	for {
		select {
		case <-bs.ctx.Done():
			return
		case <-bs.resyncKick:
		}

		for {
			bs.resyncMu.Lock()
			var symbol string
			for s := range bs.resyncQueued {
				symbol = s
				delete(bs.resyncQueued, s)
				break
			}
			bs.resyncMu.Unlock()
			if symbol == "" {
				break
			}

			if err := bs.limiter.Wait(bs.ctx); err != nil {
				return
			}
			if err := bs.fetchSnapshot(symbol); err != nil {
				log.WithError(err).WithField("symbol", symbol).Warn("snapshot fetch failed, requeueing")
				bs.RequestResync(symbol)
				break
			}
		}
	}
}

func (bs *BinanceSource) fetchSnapshot(symbol string) error {
	depth := bs.config.Source.Binance.Depth
	if depth <= 0 {
		depth = 1000
	}

	res, err := bs.client.NewDepthService().Symbol(symbol).Limit(depth).Do(bs.ctx)
	if err != nil {
		return fmt.Errorf("depth service: %w", err)
	}

	bids, err := decodeBinanceLevels(res.Bids)
	if err != nil {
		return err
	}
	asks, err := decodeBinanceAskLevels(res.Asks)
	if err != nil {
		return err
	}

	bs.emit(models.DepthSnapshotEvent{Snapshot: models.BookSnapshot{
		Symbol:       symbol,
		LastUpdateID: res.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
		Timestamp:    time.Now().UTC(),
	}})
	return nil
}

func (bs *BinanceSource) emit(event models.Event) {
	bs.closeMu.RLock()
	defer bs.closeMu.RUnlock()
	if bs.closed {
		return
	}
	select {
	case bs.events <- event:
	case <-bs.ctx.Done():
	}
}

func decodeBinanceLevels(raw []futures.Bid) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, lv := range raw {
		price, err := decimal.NewFromString(lv.Price)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", lv.Price, err)
		}
		qty, err := decimal.NewFromString(lv.Quantity)
		if err != nil {
			return nil, fmt.Errorf("quantity %q: %w", lv.Quantity, err)
		}
		levels = append(levels, models.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

func decodeBinanceAskLevels(raw []futures.Ask) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, lv := range raw {
		price, err := decimal.NewFromString(lv.Price)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", lv.Price, err)
		}
		qty, err := decimal.NewFromString(lv.Quantity)
		if err != nil {
			return nil, fmt.Errorf("quantity %q: %w", lv.Quantity, err)
		}
		levels = append(levels, models.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}
