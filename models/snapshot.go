package models

import "time"

// Row is the current state of one subscribed instrument.
type Row struct {
	Instrument         string           `json:"instrument"`
	Fields             Fields           `json:"fields"`
	Status             InstrumentStatus `json:"status"`
	StatusMessage      string           `json:"status_message,omitempty"`
	ReceivedFirstImage bool             `json:"received_first_image"`
}

// Snapshot is a point-in-time tabular read of a cache. Rows follow the
// subscription's instrument order and Columns its field order.
type Snapshot struct {
	Columns    []string        `json:"columns"`
	Rows       []Row           `json:"rows"`
	Completion CompletionState `json:"completion"`
	TakenAt    time.Time       `json:"taken_at"`
}

func (s Snapshot) Row(instrument string) (Row, bool) {
	for _, r := range s.Rows {
		if r.Instrument == instrument {
			return r, true
		}
	}
	return Row{}, false
}

// Cell returns the value at (instrument, field). Missing cells report false.
func (s Snapshot) Cell(instrument, field string) (Value, bool) {
	row, ok := s.Row(instrument)
	if !ok {
		return Value{}, false
	}
	v, ok := row.Fields[field]
	return v, ok
}

// Table renders the snapshot as a dense matrix over Columns, with null for
// fields an instrument does not currently carry.
func (s Snapshot) Table() [][]Value {
	out := make([][]Value, len(s.Rows))
	for i, r := range s.Rows {
		line := make([]Value, len(s.Columns))
		for j, col := range s.Columns {
			if v, ok := r.Fields[col]; ok {
				line[j] = v
			}
		}
		out[i] = line
	}
	return out
}
