// Package bybit turns Bybit v5 public ticker streams into cache events.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/gorilla/websocket"

	appconfig "quoteflow/config"
	"quoteflow/internal/channel"
	"quoteflow/internal/metrics"
	"quoteflow/internal/symbols"
	"quoteflow/logger"
	"quoteflow/models"
)

const (
	source                = "bybit"
	defaultURL            = "wss://stream.bybit.com/v5/public/linear"
	defaultReconnectDelay = 5 * time.Second
	maxBackoff            = 30 * time.Second
	silenceLimit          = 45 * time.Second
)

type Reader struct {
	config  appconfig.BybitSourceConfig
	events  *channel.Events
	symbols []string
	log     *logger.Log

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool

	lastMsgMs atomic.Int64
}

func NewReader(cfg appconfig.BybitSourceConfig, events *channel.Events) *Reader {
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
		return fmt.Errorf("bybit ticker reader already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	log := r.log.WithComponent("bybit_ticker_reader").WithFields(logger.Fields{"operation": "start"})
	if !r.config.Enabled {
		log.Warn("bybit source disabled via configuration")
		return fmt.Errorf("bybit source disabled")
	}
	if len(r.config.Symbols) == 0 {
		log.Warn("no symbols configured for bybit reader")
		return fmt.Errorf("no symbols configured for bybit reader")
	}

	r.symbols = make([]string, 0, len(r.config.Symbols))
	for _, s := range r.config.Symbols {
		r.symbols = append(r.symbols, strings.ToUpper(strings.TrimSpace(s)))
	}

	log.WithFields(logger.Fields{"symbols": strings.Join(r.symbols, ",")}).Info("starting bybit ticker reader")

	r.wg.Add(1)
	go r.stream()
	return nil
}

func (r *Reader) Stop() {
	r.mu.Lock()
	r.running = false
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	r.log.WithComponent("bybit_ticker_reader").Info("stopping bybit ticker reader")
	r.wg.Wait()
	r.log.WithComponent("bybit_ticker_reader").Info("bybit ticker reader stopped")
}

func topics(symbols []string) []string {
	args := make([]string, len(symbols))
	for i, s := range symbols {
		args[i] = "tickers." + s
	}
	return args
}

// handle is the SDK message callback.
func (r *Reader) handle(message string) error {
	r.lastMsgMs.Store(time.Now().UnixMilli())

	log := r.log.WithComponent("bybit_ticker_reader")
	var ack subscriptionAck
	if err := json.Unmarshal([]byte(message), &ack); err == nil && ack.Op == "subscribe" {
		if !ack.Success {
			log.WithFields(logger.Fields{"ret_msg": ack.RetMsg}).Warn("bybit subscription rejected")
			r.broadcastStatus(models.StatusError, ack.RetMsg)
		} else {
			r.broadcastStatus(models.StatusOpen, "")
		}
		return nil
	}

	events, err := parseMessage([]byte(message))
	if err != nil {
		metrics.EmitDropMetric(r.log, "unknown", metrics.DropDecode, source)
		log.WithError(err).WithFields(logger.Fields{"payload_bytes": len(message)}).Warn("failed to parse bybit ticker")
		return nil
	}
	for _, ev := range events {
		if !r.events.Send(r.ctx, ev) {
			return r.ctx.Err()
		}
	}
	return nil
}

func (r *Reader) broadcastStatus(status models.InstrumentStatus, message string) {
	for _, s := range r.symbols {
		ev := models.NewStatus(symbols.Instrument(symbols.Bybit, s), status, message)
		ev.Source = source
		if !r.events.Send(r.ctx, ev) {
			return
		}
	}
}

func (r *Reader) stream() {
	defer r.wg.Done()

	log := r.log.WithComponent("bybit_ticker_reader").WithFields(logger.Fields{
		"symbols": strings.Join(r.symbols, ","),
		"worker":  "ticker_stream",
	})

	url := r.config.URL
	if url == "" {
		url = defaultURL
	}
	backoff := r.config.ReconnectDelay
	if backoff <= 0 {
		backoff = defaultReconnectDelay
	}
	args := topics(r.symbols)

	for {
		if r.ctx.Err() != nil {
			return
		}

		r.lastMsgMs.Store(time.Now().UnixMilli())
		if err := reachable(r.ctx, url); err != nil {
			if r.ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("bybit ticker endpoint unreachable, retrying")
			r.broadcastStatus(models.StatusError, err.Error())
		} else if ws := bybit.NewBybitPublicWebSocket(url, r.handle).Connect(); ws == nil {
			log.Warn("bybit ticker stream connect failed, retrying")
			r.broadcastStatus(models.StatusError, "bybit ticker stream connect failed")
		} else {
			if _, err := ws.SendSubscription(args); err != nil {
				log.WithError(err).Warn("bybit subscription failed")
			}
			stale := r.watch()
			ws.Disconnect()
			if !stale {
				return
			}
			log.Warn("bybit ticker stream silent, reconnecting")
			r.broadcastStatus(models.StatusError, "bybit ticker stream silent")
		}

		select {
		case <-r.ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// reachable dials url once and hangs up. The SDK ignores dial errors and
// would read from a nil connection, so the stream checks the endpoint first.
func reachable(ctx context.Context, url string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	return conn.Close()
}

// watch blocks until the reader is stopped (false) or the stream has been
// silent for longer than silenceLimit (true).
func (r *Reader) watch() bool {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return false
		case <-ticker.C:
			if time.Since(time.UnixMilli(r.lastMsgMs.Load())) > silenceLimit {
				return true
			}
		}
	}
}
