package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSubscription is returned by Open for an empty instrument or field set.
	ErrInvalidSubscription = errors.New("invalid subscription")
	ErrAlreadyOpen         = errors.New("cache already open")
	ErrAlreadyClosed       = errors.New("cache already closed")
	// ErrNotOpen is returned for events delivered before Open.
	ErrNotOpen = errors.New("cache not open")
	// ErrCacheClosed is returned for events delivered after Close.
	ErrCacheClosed         = errors.New("cache closed")
	ErrUnmatchedInstrument = errors.New("event for unsubscribed instrument")
	ErrMalformedEvent      = errors.New("malformed event")
)

// ObserverError reports a failed observer invocation. It never affects cache
// state and is delivered on the cache's error channel.
type ObserverError struct {
	Slot       string
	Instrument string
	Panicked   bool
	Err        error
}

func (e *ObserverError) Error() string {
	if e.Instrument == "" {
		return fmt.Sprintf("%s observer failed: %v", e.Slot, e.Err)
	}
	return fmt.Sprintf("%s observer failed for %s: %v", e.Slot, e.Instrument, e.Err)
}

func (e *ObserverError) Unwrap() error {
	return e.Err
}
