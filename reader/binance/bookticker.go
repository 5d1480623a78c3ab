// Package binance turns Binance USDⓈ-M futures book-ticker streams into cache
// events.
package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	appconfig "quoteflow/config"
	"quoteflow/internal/channel"
	"quoteflow/internal/symbols"
	"quoteflow/logger"
	"quoteflow/models"
)

const (
	source                = "binance"
	defaultReconnectDelay = 5 * time.Second
)

// Field names published for every book-ticker instrument.
const (
	FieldBid     = "BID"
	FieldBidSize = "BID_SIZE"
	FieldAsk     = "ASK"
	FieldAskSize = "ASK_SIZE"
	FieldMid     = "MID"
	FieldSpread  = "SPREAD"
)

type Reader struct {
	config  appconfig.BinanceSourceConfig
	events  *channel.Events
	symbols []string
	log     *logger.Log

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

func NewReader(cfg appconfig.BinanceSourceConfig, events *channel.Events) *Reader {
	return &Reader{
		config: cfg,
		events: events,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("binance book ticker reader already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	log := r.log.WithComponent("binance_ticker_reader").WithFields(logger.Fields{"operation": "start"})
	if !r.config.Enabled {
		log.Warn("binance source disabled via configuration")
		return fmt.Errorf("binance source disabled")
	}
	if len(r.config.Symbols) == 0 {
		log.Warn("no symbols configured for binance reader")
		return fmt.Errorf("no symbols configured for binance reader")
	}

	r.symbols = make([]string, 0, len(r.config.Symbols))
	for _, s := range r.config.Symbols {
		r.symbols = append(r.symbols, strings.ToUpper(strings.TrimSpace(s)))
	}

	log.WithFields(logger.Fields{"symbols": strings.Join(r.symbols, ",")}).Info("starting binance book ticker reader")

	for _, symbol := range r.symbols {
		r.wg.Add(1)
		go r.streamSymbol(symbol)
	}
	return nil
}

func (r *Reader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.log.WithComponent("binance_ticker_reader").Info("stopping binance book ticker reader")
	r.wg.Wait()
	r.log.WithComponent("binance_ticker_reader").Info("binance book ticker reader stopped")
}

func (r *Reader) streamSymbol(symbol string) {
	defer r.wg.Done()

	log := r.log.WithComponent("binance_ticker_reader").WithFields(logger.Fields{
		"symbol": symbol,
		"worker": "book_ticker_stream",
	})

	delay := r.config.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}

	instrument := symbols.Instrument(symbols.Binance, symbol)
	tracker := newTicker(instrument)
	handler := func(event *futures.WsBookTickerEvent) {
		ev, ok := tracker.next(event)
		if !ok {
			return
		}
		if r.events.Send(r.ctx, ev) && log.Logger.IsLevelEnabled(logrus.DebugLevel) {
			log.WithFields(logger.Fields{"event": ev.Kind.String(), "fields": len(ev.Fields)}).Debug("forwarded book ticker")
		}
	}

	var lastErr error
	var errMu sync.Mutex
	errHandler := func(err error) {
		if err != nil {
			errMu.Lock()
			lastErr = err
			errMu.Unlock()
			log.WithError(err).Warn("websocket error")
		}
	}

	for {
		if r.ctx.Err() != nil {
			return
		}

		tracker.reset()
		doneC, stopC, err := futures.WsBookTickerServe(symbol, handler, errHandler)
		if err != nil {
			log.WithError(err).Error("failed to subscribe to book ticker stream")
			r.sendStatus(instrument, models.StatusError, err.Error())
			select {
			case <-time.After(delay):
				continue
			case <-r.ctx.Done():
				return
			}
		}
		r.sendStatus(instrument, models.StatusOpen, "")

		select {
		case <-r.ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
			close(stopC)
			msg := "book ticker stream closed"
			errMu.Lock()
			if lastErr != nil {
				msg = lastErr.Error()
			}
			errMu.Unlock()
			log.Warn("book ticker stream closed, reconnecting")
			r.sendStatus(instrument, models.StatusError, msg)
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

func (r *Reader) sendStatus(instrument string, status models.InstrumentStatus, message string) {
	ev := models.NewStatus(instrument, status, message)
	ev.Source = source
	r.events.Send(r.ctx, ev)
}

// ticker remembers the last published image of one symbol so later
// book-ticker events become Updates carrying only what changed.
type ticker struct {
	mu     sync.Mutex
	symbol string
	last   models.Fields
}

func newTicker(symbol string) *ticker {
	return &ticker{symbol: symbol}
}

// reset makes the next event a full Refresh again.
func (t *ticker) reset() {
	t.mu.Lock()
	t.last = nil
	t.mu.Unlock()
}

// next converts a book-ticker event. It reports false when the event is
// unusable or changes nothing.
func (t *ticker) next(event *futures.WsBookTickerEvent) (models.Event, bool) {
	if event == nil {
		return models.Event{}, false
	}
	fields, err := tickerFields(event)
	if err != nil {
		return models.Event{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var ev models.Event
	if t.last == nil {
		ev = models.NewRefresh(t.symbol, fields)
	} else {
		changed := diff(t.last, fields)
		if len(changed) == 0 {
			return models.Event{}, false
		}
		ev = models.NewUpdate(t.symbol, changed)
	}
	t.last = fields
	ev.Source = source
	return ev, true
}

func tickerFields(event *futures.WsBookTickerEvent) (models.Fields, error) {
	bid, err := decimal.NewFromString(event.BestBidPrice)
	if err != nil {
		return nil, fmt.Errorf("bid price: %w", err)
	}
	bidQty, err := decimal.NewFromString(event.BestBidQty)
	if err != nil {
		return nil, fmt.Errorf("bid qty: %w", err)
	}
	ask, err := decimal.NewFromString(event.BestAskPrice)
	if err != nil {
		return nil, fmt.Errorf("ask price: %w", err)
	}
	askQty, err := decimal.NewFromString(event.BestAskQty)
	if err != nil {
		return nil, fmt.Errorf("ask qty: %w", err)
	}

	return models.Fields{
		FieldBid:     models.Number(bid),
		FieldBidSize: models.Number(bidQty),
		FieldAsk:     models.Number(ask),
		FieldAskSize: models.Number(askQty),
		FieldMid:     models.Number(bid.Add(ask).Div(decimal.NewFromInt(2))),
		FieldSpread:  models.Number(ask.Sub(bid)),
	}, nil
}

// diff returns the entries of next that are new or differ from prev.
func diff(prev, next models.Fields) models.Fields {
	changed := models.Fields{}
	for k, v := range next {
		if old, ok := prev[k]; !ok || !old.Equal(v) {
			changed[k] = v
		}
	}
	return changed
}
