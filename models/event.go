package models

import (
	"fmt"
	"strings"
	"time"
)

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////// STATUS //////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// InstrumentStatus is the stream state of a single instrument.
type InstrumentStatus uint8

const (
	StatusPending InstrumentStatus = iota
	StatusOpen
	StatusClosed
	StatusError
)

func (s InstrumentStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	case StatusError:
		return "error"
	default:
		return "pending"
	}
}

// Terminal reports whether the status counts toward completion without an image.
func (s InstrumentStatus) Terminal() bool {
	return s == StatusClosed || s == StatusError
}

// ParseInstrumentStatus accepts the lower-case names used on the wire.
func ParseInstrumentStatus(s string) (InstrumentStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return StatusPending, nil
	case "open", "ok":
		return StatusOpen, nil
	case "closed", "close":
		return StatusClosed, nil
	case "error", "closedrecover":
		return StatusError, nil
	default:
		return StatusPending, fmt.Errorf("unknown instrument status %q", s)
	}
}

func (s InstrumentStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *InstrumentStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseInstrumentStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////// COMPLETION //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// CompletionState flips from Pending to Complete once per opened cache.
type CompletionState uint8

const (
	CompletionPending CompletionState = iota
	CompletionComplete
)

func (c CompletionState) String() string {
	if c == CompletionComplete {
		return "complete"
	}
	return "pending"
}

func (c CompletionState) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////// EVENTS //////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// EventKind tags the three inbound event shapes.
type EventKind uint8

const (
	EventRefresh EventKind = iota + 1
	EventUpdate
	EventStatus
)

func (k EventKind) String() string {
	switch k {
	case EventRefresh:
		return "refresh"
	case EventUpdate:
		return "update"
	case EventStatus:
		return "status"
	default:
		return "unknown"
	}
}

// ParseEventKind maps wire names to event kinds. "snapshot" and "delta" are
// accepted as aliases used by exchange feeds.
func ParseEventKind(s string) (EventKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "refresh", "snapshot", "image":
		return EventRefresh, nil
	case "update", "delta":
		return EventUpdate, nil
	case "status":
		return EventStatus, nil
	default:
		return 0, fmt.Errorf("unknown event type %q", s)
	}
}

// Event is one inbound message delivered by a transport adapter.
type Event struct {
	Kind       EventKind
	Instrument string
	Fields     Fields
	Status     InstrumentStatus
	Message    string
	Source     string
	ReceivedAt time.Time
}

func NewRefresh(instrument string, fields Fields) Event {
	return Event{Kind: EventRefresh, Instrument: instrument, Fields: fields, ReceivedAt: time.Now()}
}

func NewUpdate(instrument string, fields Fields) Event {
	return Event{Kind: EventUpdate, Instrument: instrument, Fields: fields, ReceivedAt: time.Now()}
}

func NewStatus(instrument string, status InstrumentStatus, message string) Event {
	return Event{Kind: EventStatus, Instrument: instrument, Status: status, Message: message, ReceivedAt: time.Now()}
}
