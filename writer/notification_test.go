package writer

import (
	"encoding/json"
	"testing"

	"quoteflow/cache"
	"quoteflow/models"
)

func TestNotificationFieldsPresence(t *testing.T) {
	c := cache.New(cache.Options{Log: quietWriterLog()})
	defer c.Close()

	var got []Notification
	obs := notificationObservers(func(n Notification) error {
		got = append(got, n)
		return nil
	})
	_ = obs.OnRefresh(c, "X", models.Fields{})
	_ = obs.OnUpdate(c, "X", nil)
	_ = obs.OnStatus(c, "X", models.StatusOpen, "")
	_ = obs.OnComplete(c)

	tests := []struct {
		typ        string
		wantFields bool
	}{
		{"refresh", true},
		{"update", true},
		{"status", false},
		{"complete", false},
	}
	if len(got) != len(tests) {
		t.Fatalf("expected %d notifications, got %d", len(tests), len(got))
	}
	for i, tt := range tests {
		data, err := got[i].encode()
		if err != nil {
			t.Fatalf("%s: encode: %v", tt.typ, err)
		}
		var decoded map[string]json.RawMessage
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("%s: invalid json: %v", tt.typ, err)
		}
		if string(decoded["type"]) != `"`+tt.typ+`"` {
			t.Fatalf("notification %d has type %s, want %s", i, decoded["type"], tt.typ)
		}
		fields, ok := decoded["fields"]
		if ok != tt.wantFields {
			t.Fatalf("%s: fields present = %v, want %v (%s)", tt.typ, ok, tt.wantFields, data)
		}
		if ok && string(fields) != "{}" {
			t.Fatalf("%s: expected empty field map, got %s", tt.typ, fields)
		}
	}
}
