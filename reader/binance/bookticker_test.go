package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"

	appconfig "quoteflow/config"
	"quoteflow/internal/channel"
	"quoteflow/models"
)

func bookTicker(bid, bidQty, ask, askQty string) *futures.WsBookTickerEvent {
	return &futures.WsBookTickerEvent{
		Symbol:       "BTCUSDT",
		BestBidPrice: bid,
		BestBidQty:   bidQty,
		BestAskPrice: ask,
		BestAskQty:   askQty,
	}
}

func num(s string) models.Value {
	v, err := models.NumberFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestTickerFirstEventIsRefresh(t *testing.T) {
	tr := newTicker("BTCUSDT")

	ev, ok := tr.next(bookTicker("100.0", "2", "101.0", "3"))
	if !ok || ev.Kind != models.EventRefresh || ev.Instrument != "BTCUSDT" || ev.Source != source {
		t.Fatalf("unexpected first event %+v", ev)
	}
	want := models.Fields{
		FieldBid:     num("100"),
		FieldBidSize: num("2"),
		FieldAsk:     num("101"),
		FieldAskSize: num("3"),
		FieldMid:     num("100.5"),
		FieldSpread:  num("1"),
	}
	if !ev.Fields.Equal(want) {
		t.Fatalf("fields = %v, want %v", ev.Fields, want)
	}
}

func TestTickerLaterEventsCarryOnlyChanges(t *testing.T) {
	tr := newTicker("BTCUSDT")
	tr.next(bookTicker("100", "2", "101", "3"))

	ev, ok := tr.next(bookTicker("100", "5", "101", "3"))
	if !ok || ev.Kind != models.EventUpdate {
		t.Fatalf("expected update, got %+v", ev)
	}
	if !ev.Fields.Equal(models.Fields{FieldBidSize: num("5")}) {
		t.Fatalf("update fields = %v", ev.Fields)
	}

	if _, ok := tr.next(bookTicker("100", "5", "101", "3")); ok {
		t.Fatal("identical event must not produce an update")
	}

	tr.reset()
	ev, ok = tr.next(bookTicker("100", "5", "101", "3"))
	if !ok || ev.Kind != models.EventRefresh {
		t.Fatalf("expected refresh after reset, got %+v", ev)
	}
}

func TestTickerRejectsBadPrices(t *testing.T) {
	tr := newTicker("BTCUSDT")
	if _, ok := tr.next(bookTicker("abc", "1", "2", "1")); ok {
		t.Fatal("expected bad price to be rejected")
	}
	if _, ok := tr.next(nil); ok {
		t.Fatal("expected nil event to be rejected")
	}
}

func TestReaderStartValidation(t *testing.T) {
	events := channel.NewEvents("events", 1)

	r := NewReader(appconfig.BinanceSourceConfig{Enabled: false, Symbols: []string{"BTCUSDT"}}, events)
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected disabled reader to fail")
	}

	r = NewReader(appconfig.BinanceSourceConfig{Enabled: true}, events)
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected reader without symbols to fail")
	}
}

func TestReaderStopWithLiveContext(t *testing.T) {
	upgrader := websocket.Upgrader{}
	paths := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		paths <- req.URL.Path
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	prev := futures.BaseWsMainUrl
	futures.BaseWsMainUrl = "ws" + strings.TrimPrefix(srv.URL, "http")
	t.Cleanup(func() { futures.BaseWsMainUrl = prev })

	events := channel.NewEvents("events", 16)
	r := NewReader(appconfig.BinanceSourceConfig{Enabled: true, Symbols: []string{"btcusdt"}}, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case path := <-paths:
		if path != "/btcusdt@bookTicker" {
			t.Fatalf("unexpected stream path %q", path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader never connected")
	}
	select {
	case ev := <-events.C:
		if ev.Kind != models.EventStatus || ev.Status != models.StatusOpen || ev.Instrument != "BTCUSDT" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no open status received")
	}

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return while the start context was live")
	}
}
