// Package feed reads Refresh, Update and Status events from a JSON websocket
// feed.
package feed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	appconfig "quoteflow/config"
	"quoteflow/internal/channel"
	"quoteflow/internal/metrics"
	"quoteflow/logger"
	"quoteflow/models"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultKeepAlive      = 20 * time.Second
)

type Reader struct {
	config      appconfig.FeedSourceConfig
	events      *channel.Events
	instruments []string
	fields      []string
	limiter     *rate.Limiter
	log         *logger.Log

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool

	connected  atomic.Bool
	dials      atomic.Int64
	decodeErrs atomic.Int64
}

func NewReader(cfg appconfig.FeedSourceConfig, events *channel.Events, instruments, fields []string) *Reader {
	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.RateLimit.BurstSize
	if burst < 1 {
		burst = 1
	}
	return &Reader{
		config:      cfg,
		events:      events,
		instruments: instruments,
		fields:      fields,
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		wg:          &sync.WaitGroup{},
		log:         logger.GetLogger(),
	}
}

func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("feed reader already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	log := r.log.WithComponent("feed_reader").WithFields(logger.Fields{"operation": "start"})
	if !r.config.Enabled {
		log.Warn("feed source is disabled")
		return fmt.Errorf("feed source is disabled")
	}

	log.WithFields(logger.Fields{"url": r.config.URL, "instruments": len(r.instruments)}).Info("starting feed reader")

	r.wg.Add(1)
	go r.run()
	return nil
}

func (r *Reader) Stop() {
	r.mu.Lock()
	r.running = false
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	r.log.WithComponent("feed_reader").Info("stopping feed reader")
	r.wg.Wait()
	r.log.WithComponent("feed_reader").Info("feed reader stopped")
}

func (r *Reader) Connected() bool { return r.connected.Load() }

func (r *Reader) run() {
	defer r.wg.Done()

	log := r.log.WithComponent("feed_reader").WithFields(logger.Fields{"url": r.config.URL})
	delay := r.config.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}

	for {
		if err := r.limiter.Wait(r.ctx); err != nil {
			return
		}
		r.dials.Add(1)

		err := r.session(log)
		if r.ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("feed session ended")
		r.reportDisconnect(err)

		if waitForReconnect(r.ctx, delay) {
			return
		}
	}
}

// session runs one connection until it fails or the reader is stopped.
func (r *Reader) session(log *logger.Entry) error {
	conn, _, err := websocket.DefaultDialer.DialContext(r.ctx, r.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(r.ctx, func() { conn.Close() })
	defer stop()

	req := subscribeRequest{Op: "subscribe", Instruments: r.instruments, Fields: r.fields}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	r.connected.Store(true)
	defer r.connected.Store(false)
	log.Info("feed connected")

	pingCancel := startPingLoop(r.ctx, conn, r.config.PingInterval, log)
	defer pingCancel()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		r.handle(data, log)
	}
}

func (r *Reader) handle(data []byte, log *logger.Entry) {
	events, err := decode(data)
	if err != nil {
		r.decodeErrs.Add(1)
		metrics.EmitDropMetric(r.log, "unknown", metrics.DropDecode, source)
		log.WithError(err).WithFields(logger.Fields{"payload_bytes": len(data)}).Warn("failed to decode feed message")
	}
	for _, ev := range events {
		if !r.events.Send(r.ctx, ev) {
			return
		}
	}
}

// reportDisconnect marks every subscribed instrument as errored so the cache
// reflects the outage until the feed sends fresh images.
func (r *Reader) reportDisconnect(cause error) {
	msg := "feed disconnected"
	if cause != nil {
		msg = cause.Error()
	}
	for _, ins := range r.instruments {
		ev := models.NewStatus(ins, models.StatusError, msg)
		ev.Source = source
		if !r.events.Send(r.ctx, ev) {
			return
		}
	}
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func startPingLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration, log *logger.Entry) context.CancelFunc {
	if interval <= 0 {
		interval = defaultKeepAlive
	}
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					log.WithError(err).Warn("failed to send websocket ping")
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}
