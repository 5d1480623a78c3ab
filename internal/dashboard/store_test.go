package dashboard

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"quoteflow/internal/metrics"
)

func TestMetricStoreLimit(t *testing.T) {
	store := newMetricStore(2)
	for i := 0; i < 5; i++ {
		store.handle(metrics.Metric{Timestamp: time.Unix(int64(i), 0), Name: "metric", Value: i})
	}

	snapshot := store.snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 metrics in snapshot, got %d", len(snapshot))
	}

	if snapshot[0].Value != 3 || snapshot[1].Value != 4 {
		t.Fatalf("unexpected metrics retained: %#v", snapshot)
	}
}

func TestLogStoreCapturesEntries(t *testing.T) {
	store := newLogStore(3)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "warning"
	entry.Data = logrus.Fields{"component": "test", "foo": "bar"}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("store.Fire returned error: %v", err)
	}

	snapshot := store.snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(snapshot))
	}

	if snapshot[0].Component != "test" || snapshot[0].Fields["foo"] != "bar" {
		t.Fatalf("unexpected snapshot data: %#v", snapshot[0])
	}
}

func TestLogStoreRespectsLimitAndClose(t *testing.T) {
	store := newLogStore(2)
	for i := 0; i < 4; i++ {
		entry := logrus.NewEntry(logrus.New())
		entry.Message = "msg"
		entry.Level = logrus.InfoLevel
		entry.Data = logrus.Fields{"index": i}
		if err := store.Fire(entry); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	snapshot := store.snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 entries after pruning, got %d", len(snapshot))
	}

	store.close()
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "ignored"
	if err := store.Fire(entry); err != nil {
		t.Fatalf("unexpected error after close: %v", err)
	}

	snapshot = store.snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("store accepted entries after close")
	}
}

func TestLogStoreStringifiesErrorsAndStringers(t *testing.T) {
	store := newLogStore(5)
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "closed"
	entry.Data = logrus.Fields{"error": errors.New("boom"), "at": time.Duration(1500) * time.Millisecond}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fields := store.snapshot()[0].Fields
	if fields["error"] != "boom" || fields["at"] != "1.5s" {
		t.Fatalf("unexpected fields %#v", fields)
	}
}

func TestHistoryKeepsMostRecent(t *testing.T) {
	h := newHistory[int](3)
	for i := 0; i < 10; i++ {
		h.add(i)
	}
	got := h.snapshot()
	if len(got) != 3 || got[0] != 7 || got[2] != 9 {
		t.Fatalf("unexpected history %v", got)
	}

	got[0] = 100
	if h.snapshot()[0] != 7 {
		t.Fatal("snapshot must be a copy")
	}
}
