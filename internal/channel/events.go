package channel

import (
	"context"
	"sync"

	"quoteflow/logger"
	"quoteflow/models"
)

type EventStats struct {
	Sent    int64
	Dropped int64
}

// Events is the buffered hand-off between transport adapters and the
// dispatcher. Close it only after every producer has stopped.
type Events struct {
	C chan models.Event

	name       string
	stats      EventStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewEvents(name string, bufferSize int) *Events {
	if bufferSize < 1 {
		bufferSize = 1
	}
	log := logger.GetLogger()
	e := &Events{
		C:    make(chan models.Event, bufferSize),
		name: name,
		log:  log,
	}

	log.WithComponent("event_channel").WithFields(logger.Fields{
		"channel":     name,
		"buffer_size": bufferSize,
	}).Info("event channel initialized")

	return e
}

func (e *Events) Name() string { return e.name }
func (e *Events) Len() int     { return len(e.C) }
func (e *Events) Cap() int     { return cap(e.C) }

func (e *Events) Close() {
	e.closeOnce.Do(func() {
		close(e.C)
		e.log.WithComponent("event_channel").WithFields(logger.Fields{
			"channel": e.name,
			"sent":    e.GetStats().Sent,
			"dropped": e.GetStats().Dropped,
		}).Info("event channel closed")
	})
}

func (e *Events) incrementSent() {
	e.statsMutex.Lock()
	e.stats.Sent++
	e.statsMutex.Unlock()
	logger.RecordChannelMessage(e.name, len(e.C))
}

func (e *Events) incrementDropped() {
	e.statsMutex.Lock()
	e.stats.Dropped++
	e.statsMutex.Unlock()
}

// Send waits for buffer space so no market data is lost. It gives up, and
// reports false, only when ctx is done.
func (e *Events) Send(ctx context.Context, ev models.Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case e.C <- ev:
		e.incrementSent()
		return true
	case <-ctx.Done():
		return false
	}
}

// TrySend never blocks; a full buffer drops ev and counts it.
func (e *Events) TrySend(ctx context.Context, ev models.Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case e.C <- ev:
		e.incrementSent()
		return true
	case <-ctx.Done():
		return false
	default:
		e.incrementDropped()
		logger.IncrementDroppedEvent()
		return false
	}
}

func (e *Events) GetStats() EventStats {
	e.statsMutex.RLock()
	defer e.statsMutex.RUnlock()
	return e.stats
}
