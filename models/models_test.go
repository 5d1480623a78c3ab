package models

import (
	"encoding/json"
	"testing"
)

func TestValueJSON(t *testing.T) {
	fields := Fields{
		"BID":  NumberFromInt(100),
		"ASK":  NumberFromFloat(100.25),
		"NAME": Text("Bitcoin"),
		"HALT": Null(),
	}
	data, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"ASK":100.25,"BID":100,"HALT":null,"NAME":"Bitcoin"}`
	if string(data) != want {
		t.Fatalf("marshal = %s, want %s", data, want)
	}

	var decoded Fields
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !decoded.Equal(fields) {
		t.Fatalf("decoded %v, want %v", decoded, fields)
	}
	if decoded["BID"].Kind() != KindNumber || decoded["NAME"].Kind() != KindString || !decoded["HALT"].IsNull() {
		t.Fatalf("unexpected kinds: %v", decoded)
	}
}

func TestValueUnmarshalRejectsObjects(t *testing.T) {
	var v Value
	if err := json.Unmarshal([]byte(`{"a":1}`), &v); err == nil {
		t.Fatal("expected an error for an object value")
	}
}

func TestValueEqual(t *testing.T) {
	a, err := NumberFromString("1.50")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !a.Equal(NumberFromFloat(1.5)) {
		t.Error("numerically equal decimals must compare equal")
	}
	if a.Equal(Text("1.5")) {
		t.Error("number and string must not compare equal")
	}
	if !Null().Equal(Value{}) {
		t.Error("zero value is null")
	}
	if _, err := NumberFromString("abc"); err == nil {
		t.Error("expected parse error")
	}
}

func TestFieldsCloneAndMerge(t *testing.T) {
	var nilFields Fields
	if c := nilFields.Clone(); c == nil || len(c) != 0 {
		t.Fatalf("nil clone = %v", c)
	}

	base := Fields{"a": NumberFromInt(1), "b": NumberFromInt(2)}
	clone := base.Clone()
	clone.Merge(Fields{"a": NumberFromInt(3), "c": Text("x")})

	if !base.Equal(Fields{"a": NumberFromInt(1), "b": NumberFromInt(2)}) {
		t.Fatalf("merge leaked into original: %v", base)
	}
	if !clone.Equal(Fields{"a": NumberFromInt(3), "b": NumberFromInt(2), "c": Text("x")}) {
		t.Fatalf("merged = %v", clone)
	}
}

func TestParseInstrumentStatus(t *testing.T) {
	cases := map[string]InstrumentStatus{
		"pending":       StatusPending,
		"OPEN":          StatusOpen,
		"ok":            StatusOpen,
		" closed ":      StatusClosed,
		"error":         StatusError,
		"closedrecover": StatusError,
	}
	for in, want := range cases {
		got, err := ParseInstrumentStatus(in)
		if err != nil || got != want {
			t.Errorf("ParseInstrumentStatus(%q) = %s, %v; want %s", in, got, err, want)
		}
	}
	if _, err := ParseInstrumentStatus("stale"); err == nil {
		t.Error("expected error for unknown status")
	}
	if !StatusClosed.Terminal() || !StatusError.Terminal() || StatusOpen.Terminal() || StatusPending.Terminal() {
		t.Error("only closed and error are terminal")
	}

	var s InstrumentStatus
	if err := json.Unmarshal([]byte(`"error"`), &s); err != nil || s != StatusError {
		t.Fatalf("unmarshal status = %s, %v", s, err)
	}
}

func TestParseEventKind(t *testing.T) {
	cases := map[string]EventKind{
		"refresh":  EventRefresh,
		"snapshot": EventRefresh,
		"update":   EventUpdate,
		"delta":    EventUpdate,
		"Status":   EventStatus,
	}
	for in, want := range cases {
		got, err := ParseEventKind(in)
		if err != nil || got != want {
			t.Errorf("ParseEventKind(%q) = %s, %v; want %s", in, got, err, want)
		}
	}
	if _, err := ParseEventKind("trade"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestSnapshotTable(t *testing.T) {
	snap := Snapshot{
		Columns: []string{"BID", "ASK"},
		Rows: []Row{
			{Instrument: "X", Fields: Fields{"BID": NumberFromInt(1), "EXTRA": Text("e")}},
			{Instrument: "Y", Fields: Fields{}},
		},
	}
	table := snap.Table()
	if len(table) != 2 || len(table[0]) != 2 {
		t.Fatalf("unexpected table shape %v", table)
	}
	if !table[0][0].Equal(NumberFromInt(1)) || !table[0][1].IsNull() {
		t.Errorf("row X = %v", table[0])
	}
	if !table[1][0].IsNull() || !table[1][1].IsNull() {
		t.Errorf("row Y = %v", table[1])
	}

	if v, ok := snap.Cell("X", "EXTRA"); !ok || !v.Equal(Text("e")) {
		t.Errorf("Cell(X, EXTRA) = %v, %v", v, ok)
	}
	if _, ok := snap.Cell("Z", "BID"); ok {
		t.Error("unknown instrument must report false")
	}
}
