package processor

import (
	"context"
	"io"
	"testing"
	"time"

	"quoteflow/cache"
	"quoteflow/internal/channel"
	"quoteflow/logger"
	"quoteflow/models"
)

func newOpenCache(t *testing.T, observers ...cache.Observers) *cache.Cache {
	t.Helper()
	log := logger.Logger()
	log.SetOutput(io.Discard)
	c := cache.New(cache.Options{Log: log}, observers...)
	if err := c.Open(cache.Subscription{Instruments: []string{"X", "Y"}, Fields: []string{"p"}}); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDispatcherStartStop(t *testing.T) {
	c := newOpenCache(t)
	events := channel.NewEvents("events", 4)
	d := NewDispatcher(events, c)

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.Start(ctx); err == nil {
		t.Fatalf("expected error on second start")
	}
	if !d.IsRunning() {
		t.Fatal("expected dispatcher to report running")
	}
	cancel()
	d.Stop()
	if d.IsRunning() {
		t.Fatal("expected dispatcher to be stopped")
	}
}

func TestDispatcherAppliesInOrder(t *testing.T) {
	c := newOpenCache(t)
	events := channel.NewEvents("events", 16)
	d := NewDispatcher(events, c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	send := []models.Event{
		models.NewStatus("X", models.StatusOpen, ""),
		models.NewRefresh("X", models.Fields{"p": models.NumberFromInt(1)}),
		models.NewUpdate("X", models.Fields{"p": models.NumberFromInt(2)}),
		models.NewRefresh("Q", models.Fields{"p": models.NumberFromInt(9)}),
		models.NewStatus("Y", models.StatusClosed, ""),
	}
	for _, ev := range send {
		if !events.Send(ctx, ev) {
			t.Fatalf("send %s failed", ev.Kind)
		}
	}
	events.Close()
	d.Stop()

	stats := d.Stats()
	if stats.Applied != 4 || stats.Dropped != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if v, ok := c.Snapshot().Cell("X", "p"); !ok || !v.Equal(models.NumberFromInt(2)) {
		t.Fatalf("X.p = %v, %v", v, ok)
	}
	if c.Status().Completion != models.CompletionComplete {
		t.Fatal("expected the cache to complete")
	}
}

func TestDispatcherStopsOnChannelCloseWithLiveContext(t *testing.T) {
	c := newOpenCache(t)
	events := channel.NewEvents("events", 4)
	d := NewDispatcher(events, c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	events.Close()

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop waited for the start context after the channel closed")
	}
}

func TestDispatcherDrainsOnCancel(t *testing.T) {
	c := newOpenCache(t)
	events := channel.NewEvents("events", 8)
	events.Send(context.Background(), models.NewRefresh("X", models.Fields{"p": models.NumberFromInt(1)}))
	events.Send(context.Background(), models.NewRefresh("Y", models.Fields{"p": models.NumberFromInt(2)}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDispatcher(events, c)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	d.Stop()

	if got := d.Stats().Applied; got != 2 {
		t.Fatalf("expected buffered events to be applied, got %d", got)
	}
}

func TestDispatcherCountsObserverFailures(t *testing.T) {
	c := newOpenCache(t, cache.Observers{OnRefresh: func(*cache.Cache, string, models.Fields) error {
		return io.ErrUnexpectedEOF
	}})
	events := channel.NewEvents("events", 4)
	d := NewDispatcher(events, c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	events.Send(ctx, models.NewRefresh("X", models.Fields{}))

	deadline := time.After(2 * time.Second)
	for d.Stats().ObserverFailures != 1 {
		select {
		case <-deadline:
			t.Fatal("observer failure was not counted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	events.Close()
	c.Close()
	d.Stop()
}

func TestDropReason(t *testing.T) {
	cases := map[error]string{
		cache.ErrUnmatchedInstrument: "unmatched_instrument",
		cache.ErrCacheClosed:         "cache_closed",
		cache.ErrNotOpen:             "not_open",
		cache.ErrMalformedEvent:      "malformed",
	}
	for err, want := range cases {
		if got := string(dropReason(err)); got != want {
			t.Errorf("dropReason(%v) = %s, want %s", err, got, want)
		}
	}
}
