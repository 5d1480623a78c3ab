package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"quoteflow/cache"
	"quoteflow/internal/channel"
	"quoteflow/internal/metrics"
	"quoteflow/logger"
	"quoteflow/models"
)

// Target is the cache the dispatcher feeds.
type Target interface {
	Apply(ev models.Event) error
	Errors() <-chan *cache.ObserverError
}

// Dispatcher applies inbound events to the cache. A single worker consumes
// the channel so events reach the cache in arrival order.
type Dispatcher struct {
	events  *channel.Events
	target  Target
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	done    chan struct{}
	log     *logger.Log

	applied          atomic.Int64
	dropped          atomic.Int64
	observerFailures atomic.Int64
}

func NewDispatcher(events *channel.Events, target Target) *Dispatcher {
	return &Dispatcher{
		events: events,
		target: target,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.ctx = ctx
	d.done = make(chan struct{})
	d.mu.Unlock()

	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting dispatcher")

	d.wg.Add(3)
	go d.worker()
	go d.watchObserverErrors()
	go d.metricsReporter(ctx, d.done)

	log.Info("dispatcher started successfully")
	return nil
}

// Stop waits for the worker to finish. Cancel the start context or close the
// event channel first.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.log.WithComponent("dispatcher").Info("stopping dispatcher")
	d.wg.Wait()
	d.log.WithComponent("dispatcher").WithFields(logger.Fields{
		"applied": d.applied.Load(),
		"dropped": d.dropped.Load(),
	}).Info("dispatcher stopped")
}

func (d *Dispatcher) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	defer close(d.done)

	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{"worker": "dispatcher"})
	for {
		select {
		case <-d.ctx.Done():
			n := d.drain()
			log.WithFields(logger.Fields{"drained": n}).Info("worker stopped due to context cancellation")
			return
		case ev, ok := <-d.events.C:
			if !ok {
				log.Info("event channel closed, worker stopping")
				return
			}
			d.apply(ev)
		}
	}
}

// drain applies whatever is already buffered without waiting for more.
func (d *Dispatcher) drain() int {
	n := 0
	for {
		select {
		case ev, ok := <-d.events.C:
			if !ok {
				return n
			}
			d.apply(ev)
			n++
		default:
			return n
		}
	}
}

func (d *Dispatcher) apply(ev models.Event) {
	start := time.Now()
	err := d.target.Apply(ev)
	if err != nil {
		d.dropped.Add(1)
		metrics.EmitDropMetric(d.log, ev.Kind.String(), dropReason(err), ev.Source)
		return
	}
	d.applied.Add(1)
	metrics.IncrementApplied(ev.Kind.String())

	if !ev.ReceivedAt.IsZero() {
		logger.LogPerformanceEntry(d.log.WithComponent("dispatcher"), "dispatcher", "apply", time.Since(start), logger.Fields{
			"instrument": ev.Instrument,
			"event":      ev.Kind.String(),
			"latency_ms": time.Since(ev.ReceivedAt).Milliseconds(),
		})
	}
}

func dropReason(err error) metrics.DropReason {
	switch {
	case errors.Is(err, cache.ErrUnmatchedInstrument):
		return metrics.DropUnmatched
	case errors.Is(err, cache.ErrCacheClosed):
		return metrics.DropClosed
	case errors.Is(err, cache.ErrNotOpen):
		return metrics.DropNotOpen
	default:
		return metrics.DropMalformed
	}
}

// watchObserverErrors counts observer failures until the cache closes its
// error channel or the worker exits.
func (d *Dispatcher) watchObserverErrors() {
	defer d.wg.Done()
	errs := d.target.Errors()
	for {
		select {
		case <-d.done:
			return
		case oe, ok := <-errs:
			if !ok {
				return
			}
			d.observerFailures.Add(1)
			metrics.IncrementObserverFailure(oe.Slot)
		}
	}
}

// metricsReporter runs until ctx is cancelled or the worker exits.
func (d *Dispatcher) metricsReporter(ctx context.Context, done <-chan struct{}) {
	defer d.wg.Done()
	ticker := time.NewTicker(metrics.ReportInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			metrics.ReportDispatcher(d.log, d.Stats())
		}
	}
}

func (d *Dispatcher) Stats() metrics.DispatcherStats {
	return metrics.DispatcherStats{
		Applied:          d.applied.Load(),
		Dropped:          d.dropped.Load(),
		ObserverFailures: d.observerFailures.Load(),
		ChannelLen:       d.events.Len(),
		ChannelCap:       d.events.Cap(),
	}
}
