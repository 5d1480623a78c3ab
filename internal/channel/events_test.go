package channel

import (
	"context"
	"testing"
	"time"

	"quoteflow/models"
)

func TestEvents_TrySend(t *testing.T) {
	ch := NewEvents("test", 1)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev := models.NewRefresh("BTCUSDT", models.Fields{})
	if !ch.TrySend(ctx, ev) {
		t.Fatalf("expected send to succeed")
	}
	if stats := ch.GetStats(); stats.Sent != 1 {
		t.Fatalf("expected sent counter to be 1, got %d", stats.Sent)
	}

	// buffer full should increment dropped counter
	if ch.TrySend(ctx, ev) {
		t.Fatalf("expected send to fail due to full buffer")
	}
	if stats := ch.GetStats(); stats.Dropped != 1 {
		t.Fatalf("expected dropped counter to be 1, got %d", stats.Dropped)
	}
	if ch.Len() != 1 || ch.Cap() != 1 {
		t.Fatalf("unexpected len/cap %d/%d", ch.Len(), ch.Cap())
	}
}

func TestEvents_SendWaitsForSpace(t *testing.T) {
	ch := NewEvents("test", 1)
	defer ch.Close()

	ctx := context.Background()
	ch.Send(ctx, models.NewUpdate("A", models.Fields{}))

	sent := make(chan bool, 1)
	go func() {
		sent <- ch.Send(ctx, models.NewUpdate("B", models.Fields{}))
	}()

	select {
	case <-sent:
		t.Fatal("send returned while the buffer was full")
	case <-time.After(20 * time.Millisecond):
	}

	if got := <-ch.C; got.Instrument != "A" {
		t.Fatalf("unexpected first event %s", got.Instrument)
	}
	if !<-sent {
		t.Fatal("blocked send should succeed once space frees up")
	}
	if got := <-ch.C; got.Instrument != "B" {
		t.Fatalf("unexpected second event %s", got.Instrument)
	}
}

func TestEvents_SendCancelled(t *testing.T) {
	ch := NewEvents("test", 1)
	ch.Send(context.Background(), models.NewUpdate("A", models.Fields{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if ch.Send(ctx, models.NewUpdate("B", models.Fields{})) {
		t.Fatal("expected cancelled send to fail")
	}

	ch.Close()
	ch.Close()
	if _, ok := <-ch.C; !ok {
		t.Fatal("buffered event lost on close")
	}
	if _, ok := <-ch.C; ok {
		t.Fatal("channel should be closed")
	}
}
