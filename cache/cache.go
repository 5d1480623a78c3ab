// Package cache keeps a consistent per-instrument field snapshot built from
// Refresh, Update and Status events, and notifies observers as it changes.
package cache

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"quoteflow/logger"
	"quoteflow/models"
)

const (
	defaultWorkers     = 4
	defaultQueueSize   = 1024
	defaultErrorBuffer = 64
)

// State is the lifecycle of a cache instance. A closed cache never reopens.
type State uint8

const (
	StateCreated State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "created"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is the overall state reported by Open, Close and Status.
type Status struct {
	ID          string                 `json:"id"`
	State       State                  `json:"state"`
	Completion  models.CompletionState `json:"completion"`
	Pending     int                    `json:"pending"`
	OpenedAt    time.Time              `json:"opened_at,omitempty"`
	CompletedAt time.Time              `json:"completed_at,omitempty"`
}

// InstrumentRecord is the cached state of one instrument.
type InstrumentRecord struct {
	Fields             models.Fields
	Status             models.InstrumentStatus
	StatusMessage      string
	ReceivedFirstImage bool
	RefreshCount       int64
	UpdateCount        int64
	LastEventAt        time.Time
}

func (r *InstrumentRecord) counts() bool {
	return r.ReceivedFirstImage || r.Status.Terminal()
}

// Options tunes the notification pipeline. Zero values pick defaults.
type Options struct {
	Workers     int
	QueueSize   int
	ErrorBuffer int
	Log         *logger.Log
}

// Cache is a streaming quote cache. All methods are safe for concurrent use.
//
// mu serialises event handling and lifecycle changes, which keeps arrival
// order and the single Complete notification. stateMu only guards the data
// read by Snapshot, so readers are never held up by observers.
type Cache struct {
	id   string
	log  *logger.Log
	opts Options

	mu        sync.Mutex
	closed    atomic.Bool
	observers []Observers
	notifier  *notifier

	stateMu     sync.RWMutex
	state       State
	sub         Subscription
	records     map[string]*InstrumentRecord
	pending     int
	completion  models.CompletionState
	openedAt    time.Time
	completedAt time.Time

	errs chan *ObserverError
	done chan struct{}
}

// New creates a cache in the Created state. Observers may be passed here or
// added with Register.
func New(opts Options, observers ...Observers) *Cache {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.ErrorBuffer <= 0 {
		opts.ErrorBuffer = defaultErrorBuffer
	}
	if opts.Log == nil {
		opts.Log = logger.GetLogger()
	}

	c := &Cache{
		id:      uuid.NewString(),
		log:     opts.Log,
		opts:    opts,
		records: make(map[string]*InstrumentRecord),
		errs:    make(chan *ObserverError, opts.ErrorBuffer),
		done:    make(chan struct{}),
	}
	for _, o := range observers {
		if !o.empty() {
			c.observers = append(c.observers, o)
		}
	}
	c.notifier = newNotifier(opts.Workers, opts.QueueSize, c.deliver)
	return c
}

func (c *Cache) ID() string { return c.id }

// Register appends observers; they are invoked in registration order and
// receive notifications for events handled after the call.
func (c *Cache) Register(o Observers) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentState() == StateClosed {
		return ErrAlreadyClosed
	}
	if o.empty() {
		return nil
	}
	next := make([]Observers, len(c.observers), len(c.observers)+1)
	copy(next, c.observers)
	c.observers = append(next, o)
	return nil
}

// Open validates sub, creates a Pending record per instrument and starts
// accepting events.
func (c *Cache) Open(sub Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.currentState() {
	case StateOpen:
		return ErrAlreadyOpen
	case StateClosed:
		return ErrAlreadyClosed
	}

	normalized, err := NewSubscription(sub.Instruments, sub.Fields)
	if err != nil {
		c.log.WithComponent("cache").WithError(err).Warn("rejected subscription")
		return err
	}

	records := make(map[string]*InstrumentRecord, len(normalized.Instruments))
	for _, ins := range normalized.Instruments {
		records[ins] = &InstrumentRecord{Fields: models.Fields{}, Status: models.StatusPending}
	}

	c.stateMu.Lock()
	c.sub = normalized
	c.records = records
	c.pending = len(records)
	c.completion = models.CompletionPending
	c.state = StateOpen
	c.openedAt = time.Now()
	c.stateMu.Unlock()

	c.notifier.start()

	c.log.WithComponent("cache").WithFields(logger.Fields{
		"cache_id":    c.id,
		"instruments": len(normalized.Instruments),
		"fields":      len(normalized.Fields),
		"workers":     c.opts.Workers,
	}).Info("cache opened")
	return nil
}

// Apply routes a tagged event to the matching handler.
func (c *Cache) Apply(ev models.Event) error {
	switch ev.Kind {
	case models.EventRefresh:
		return c.OnRefresh(ev.Instrument, ev.Fields)
	case models.EventUpdate:
		return c.OnUpdate(ev.Instrument, ev.Fields)
	case models.EventStatus:
		return c.OnStatus(ev.Instrument, ev.Status, ev.Message)
	default:
		return c.drop(ev.Kind, ev.Instrument, fmt.Errorf("%w: unknown kind %d", ErrMalformedEvent, ev.Kind))
	}
}

// OnRefresh replaces the instrument's whole field map with fields.
func (c *Cache) OnRefresh(instrument string, fields models.Fields) error {
	if fields == nil {
		return c.drop(models.EventRefresh, instrument, fmt.Errorf("%w: nil field map", ErrMalformedEvent))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.lookup(models.EventRefresh, instrument)
	if err != nil {
		return err
	}

	image := fields.Clone()
	c.stateMu.Lock()
	before := rec.counts()
	rec.Fields = image
	rec.ReceivedFirstImage = true
	rec.RefreshCount++
	rec.LastEventAt = time.Now()
	completed := c.settleLocked(before, rec)
	c.stateMu.Unlock()

	notes := []notification{{slot: slotRefresh, instrument: instrument, fields: image.Clone(), observers: c.observers}}
	if completed {
		notes = append(notes, notification{slot: slotComplete, instrument: instrument, observers: c.observers})
	}
	c.enqueue(instrument, notes...)

	logger.IncrementEvent("refresh")
	c.trace(models.EventRefresh, instrument, len(image), completed)
	return nil
}

// OnUpdate merges changed into the instrument's fields. Updates before any
// Refresh merge into an empty map.
func (c *Cache) OnUpdate(instrument string, changed models.Fields) error {
	if changed == nil {
		return c.drop(models.EventUpdate, instrument, fmt.Errorf("%w: nil field map", ErrMalformedEvent))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.lookup(models.EventUpdate, instrument)
	if err != nil {
		return err
	}

	delta := changed.Clone()
	c.stateMu.Lock()
	merged := rec.Fields.Clone()
	merged.Merge(delta)
	rec.Fields = merged
	rec.UpdateCount++
	rec.LastEventAt = time.Now()
	c.stateMu.Unlock()

	c.enqueue(instrument, notification{slot: slotUpdate, instrument: instrument, fields: delta, observers: c.observers})

	logger.IncrementEvent("update")
	c.trace(models.EventUpdate, instrument, len(delta), false)
	return nil
}

// OnStatus replaces the instrument's status. Closed and Error count toward
// completion even without an image.
func (c *Cache) OnStatus(instrument string, status models.InstrumentStatus, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.lookup(models.EventStatus, instrument)
	if err != nil {
		return err
	}

	c.stateMu.Lock()
	before := rec.counts()
	rec.Status = status
	rec.StatusMessage = message
	rec.LastEventAt = time.Now()
	completed := c.settleLocked(before, rec)
	c.stateMu.Unlock()

	notes := []notification{{slot: slotStatus, instrument: instrument, status: status, message: message, observers: c.observers}}
	if completed {
		notes = append(notes, notification{slot: slotComplete, instrument: instrument, observers: c.observers})
	}
	c.enqueue(instrument, notes...)

	if status == models.StatusError {
		c.log.WithComponent("cache").WithFields(logger.Fields{
			"instrument": instrument,
			"message":    message,
		}).Warn("instrument stream error")
	}

	logger.IncrementEvent("status")
	c.trace(models.EventStatus, instrument, 0, completed)
	return nil
}

// lookup checks the cache accepts events and returns the instrument record.
// Caller holds mu.
func (c *Cache) lookup(kind models.EventKind, instrument string) (*InstrumentRecord, error) {
	if c.closed.Load() {
		return nil, c.drop(kind, instrument, ErrCacheClosed)
	}
	if c.state != StateOpen {
		return nil, c.drop(kind, instrument, ErrNotOpen)
	}
	rec, ok := c.records[instrument]
	if !ok {
		return nil, c.drop(kind, instrument, fmt.Errorf("%w: %q", ErrUnmatchedInstrument, instrument))
	}
	return rec, nil
}

// settleLocked keeps the pending counter in step with rec and flips the
// completion state when it reaches zero. It reports whether this call
// completed the cache. Caller holds stateMu for writing.
func (c *Cache) settleLocked(before bool, rec *InstrumentRecord) bool {
	after := rec.counts()
	switch {
	case !before && after:
		c.pending--
	case before && !after:
		c.pending++
	}
	if c.pending == 0 && c.completion == models.CompletionPending {
		c.completion = models.CompletionComplete
		c.completedAt = time.Now()
		return true
	}
	return false
}

// enqueue hands notes to the notifier. Caller holds mu.
func (c *Cache) enqueue(instrument string, notes ...notification) {
	if !c.notifier.enqueue(instrument, notes...) {
		c.log.WithComponent("cache").WithFields(logger.Fields{
			"instrument": instrument,
			"slot":       notes[0].slot,
		}).Warn("notification discarded by close while queue was full")
	}
}

func (c *Cache) drop(kind models.EventKind, instrument string, err error) error {
	logger.IncrementDroppedEvent()
	entry := c.log.WithComponent("cache").WithError(err).WithFields(logger.Fields{
		"event":      kind.String(),
		"instrument": instrument,
	})
	if errors.Is(err, ErrCacheClosed) {
		entry.Debug("event ignored")
	} else {
		entry.Warn("event dropped")
	}
	return err
}

func (c *Cache) trace(kind models.EventKind, instrument string, fields int, completed bool) {
	if !c.log.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	c.log.WithComponent("cache").WithFields(logger.Fields{
		"event":      kind.String(),
		"instrument": instrument,
		"fields":     fields,
		"completed":  completed,
	}).Debug("event applied")
}

// deliver runs on a notifier worker.
func (c *Cache) deliver(n notification) {
	if n.slot == slotComplete {
		logger.IncrementCompletion()
		c.log.WithComponent("cache").WithFields(logger.Fields{
			"cache_id": c.id,
			"trigger":  n.instrument,
		}).Info("cache complete")
	}
	for _, o := range n.observers {
		switch n.slot {
		case slotRefresh:
			if o.OnRefresh != nil {
				c.invoke(n.slot, n.instrument, func() error { return o.OnRefresh(c, n.instrument, n.fields.Clone()) })
			}
		case slotUpdate:
			if o.OnUpdate != nil {
				c.invoke(n.slot, n.instrument, func() error { return o.OnUpdate(c, n.instrument, n.fields.Clone()) })
			}
		case slotStatus:
			if o.OnStatus != nil {
				c.invoke(n.slot, n.instrument, func() error { return o.OnStatus(c, n.instrument, n.status, n.message) })
			}
		case slotComplete:
			if o.OnComplete != nil {
				c.invoke(n.slot, "", func() error { return o.OnComplete(c) })
			}
		}
	}
}

// invoke calls one observer, turning a returned error or a panic into an
// ObserverError.
func (c *Cache) invoke(slot, instrument string, call func() error) {
	var oe *ObserverError
	func() {
		defer func() {
			if r := recover(); r != nil {
				oe = &ObserverError{Slot: slot, Instrument: instrument, Panicked: true, Err: fmt.Errorf("panic: %v", r)}
				c.log.WithComponent("cache").WithFields(logger.Fields{"stack": string(debug.Stack())}).Debug("observer panic")
			}
		}()
		if err := call(); err != nil {
			oe = &ObserverError{Slot: slot, Instrument: instrument, Err: err}
		}
	}()
	if oe != nil {
		c.report(oe)
	}
}

func (c *Cache) report(oe *ObserverError) {
	logger.IncrementObserverFailure()
	c.log.WithComponent("cache").WithError(oe.Err).WithFields(logger.Fields{
		"slot":       oe.Slot,
		"instrument": oe.Instrument,
		"panicked":   oe.Panicked,
	}).Warn("observer failed")

	select {
	case c.errs <- oe:
	default:
		c.log.WithComponent("cache").Warn("observer error channel full, dropping report")
	}
}

// Errors returns the detached channel of observer failures. It is closed once
// the cache is closed and every queued notification has been delivered.
func (c *Cache) Errors() <-chan *ObserverError {
	return c.errs
}

// Done is closed when a closed cache has finished delivering notifications.
func (c *Cache) Done() <-chan struct{} {
	return c.done
}

// Snapshot returns every subscribed instrument's current fields, in
// subscription order. It never mutates the cache.
func (c *Cache) Snapshot() models.Snapshot {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	snap := models.Snapshot{
		Columns:    append([]string(nil), c.sub.Fields...),
		Rows:       make([]models.Row, 0, len(c.sub.Instruments)),
		Completion: c.completion,
		TakenAt:    time.Now(),
	}
	for _, ins := range c.sub.Instruments {
		rec := c.records[ins]
		snap.Rows = append(snap.Rows, models.Row{
			Instrument:         ins,
			Fields:             rec.Fields.Clone(),
			Status:             rec.Status,
			StatusMessage:      rec.StatusMessage,
			ReceivedFirstImage: rec.ReceivedFirstImage,
		})
	}
	return snap
}

// Record returns a copy of one instrument's record.
func (c *Cache) Record(instrument string) (InstrumentRecord, bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	rec, ok := c.records[instrument]
	if !ok {
		return InstrumentRecord{}, false
	}
	out := *rec
	out.Fields = rec.Fields.Clone()
	return out, true
}

// Subscription returns the normalised subscription the cache was opened with.
func (c *Cache) Subscription() Subscription {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return Subscription{
		Instruments: append([]string(nil), c.sub.Instruments...),
		Fields:      append([]string(nil), c.sub.Fields...),
	}
}

func (c *Cache) Status() Status {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return Status{
		ID:          c.id,
		State:       c.state,
		Completion:  c.completion,
		Pending:     c.pending,
		OpenedAt:    c.openedAt,
		CompletedAt: c.completedAt,
	}
}

func (c *Cache) currentState() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Close stops accepting events and returns the terminal status. Queued
// notifications are still delivered; Done reports when that has finished.
// Calling Close again is a no-op. It may be called from an observer.
func (c *Cache) Close() Status {
	c.closed.Store(true)
	c.notifier.cancelBlocked()

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.currentState()
	if prev == StateClosed {
		c.log.WithComponent("cache").WithFields(logger.Fields{"cache_id": c.id}).Debug("cache already closed")
		return c.Status()
	}

	c.stateMu.Lock()
	c.state = StateClosed
	c.stateMu.Unlock()

	if prev == StateOpen {
		c.notifier.stop()
		go func() {
			c.notifier.wait()
			close(c.errs)
			close(c.done)
		}()
	} else {
		close(c.errs)
		close(c.done)
	}

	status := c.Status()
	c.log.WithComponent("cache").WithFields(logger.Fields{
		"cache_id":   c.id,
		"completion": status.Completion.String(),
		"pending":    status.Pending,
	}).Info("cache closed")
	return status
}
