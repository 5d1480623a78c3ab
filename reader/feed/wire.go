package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"quoteflow/models"
)

const source = "feed"

// message is one event on the wire:
//
//	{"type":"refresh","instrument":"X","fields":{"BID":1.5}}
//	{"type":"update","instrument":"X","fields":{"BID":1.6}}
//	{"type":"status","instrument":"X","status":"error","message":"no permission"}
type message struct {
	Type       string        `json:"type"`
	Instrument string        `json:"instrument"`
	Fields     models.Fields `json:"fields,omitempty"`
	Status     string        `json:"status,omitempty"`
	Message    string        `json:"message,omitempty"`
}

type subscribeRequest struct {
	Op          string   `json:"op"`
	Instruments []string `json:"instruments"`
	Fields      []string `json:"fields"`
}

// decode accepts a single message object or an array of them.
func decode(data []byte) ([]models.Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	var msgs []message
	if data[0] == '[' {
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
	} else {
		var m message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = []message{m}
	}

	now := time.Now()
	events := make([]models.Event, 0, len(msgs))
	for _, m := range msgs {
		ev, err := m.event(now)
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (m message) event(now time.Time) (models.Event, error) {
	if m.Instrument == "" {
		return models.Event{}, fmt.Errorf("message without instrument")
	}
	kind, err := models.ParseEventKind(m.Type)
	if err != nil {
		return models.Event{}, err
	}

	ev := models.Event{Kind: kind, Instrument: m.Instrument, Source: source, ReceivedAt: now}
	switch kind {
	case models.EventRefresh, models.EventUpdate:
		ev.Fields = m.Fields
		if ev.Fields == nil {
			ev.Fields = models.Fields{}
		}
	case models.EventStatus:
		status, err := models.ParseInstrumentStatus(m.Status)
		if err != nil {
			return models.Event{}, err
		}
		ev.Status = status
		ev.Message = m.Message
	}
	return ev, nil
}
