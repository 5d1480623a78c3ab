package bybit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	appconfig "quoteflow/config"
	"quoteflow/internal/channel"
	"quoteflow/models"
)

func num(s string) models.Value {
	v, err := models.NumberFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestParseSnapshotIsRefresh(t *testing.T) {
	frame := `{"topic":"tickers.BTCUSDT","type":"snapshot","ts":1700000000000,"data":{
		"symbol":"BTCUSDT","lastPrice":"37000.5","bid1Price":"37000","bid1Size":"1.2",
		"ask1Price":"37001","ask1Size":"0.8","tickDirection":"PlusTick","fundingRate":"","unknown":"x"}}`

	events, err := parseMessage([]byte(frame))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	ev := events[0]
	if ev.Kind != models.EventRefresh || ev.Instrument != "BTCUSDT" || ev.Source != source {
		t.Fatalf("unexpected event %+v", ev)
	}
	if !ev.ReceivedAt.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("unexpected timestamp %s", ev.ReceivedAt)
	}
	want := models.Fields{
		"LAST":           num("37000.5"),
		"BID":            num("37000"),
		"BID_SIZE":       num("1.2"),
		"ASK":            num("37001"),
		"ASK_SIZE":       num("0.8"),
		"TICK_DIRECTION": models.Text("PlusTick"),
		"FUNDING_RATE":   models.Null(),
	}
	if !ev.Fields.Equal(want) {
		t.Fatalf("fields = %v, want %v", ev.Fields, want)
	}
}

func TestParseDeltaIsUpdate(t *testing.T) {
	frame := `{"topic":"tickers.ETHUSDT","type":"delta","data":{"symbol":"ETHUSDT","bid1Price":"2000.1"}}`
	events, err := parseMessage([]byte(frame))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 1 || events[0].Kind != models.EventUpdate {
		t.Fatalf("unexpected events %+v", events)
	}
	if !events[0].Fields.Equal(models.Fields{"BID": num("2000.1")}) {
		t.Fatalf("fields = %v", events[0].Fields)
	}
}

func TestParseArrayData(t *testing.T) {
	frame := `{"topic":"tickers.BTCUSDT","type":"snapshot","data":[{"markPrice":"1"}]}`
	events, err := parseMessage([]byte(frame))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 1 || events[0].Instrument != "BTCUSDT" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestParseIgnoresNonTickerFrames(t *testing.T) {
	for _, frame := range []string{
		`{"op":"pong","success":true}`,
		`{"topic":"orderbook.50.BTCUSDT","type":"snapshot","data":{}}`,
	} {
		events, err := parseMessage([]byte(frame))
		if err != nil || len(events) != 0 {
			t.Errorf("frame %s: events=%v err=%v", frame, events, err)
		}
	}
	if _, err := parseMessage([]byte(`{"topic":"tickers.X","type":"snapshot"}`)); err == nil {
		t.Error("expected error for ticker frame without data")
	}
	if _, err := parseMessage([]byte(`{"topic":"tickers.X","type":"trade","data":{}}`)); err == nil {
		t.Error("expected error for unknown frame type")
	}
}

func TestHandleSubscriptionAck(t *testing.T) {
	events := channel.NewEvents("events", 8)
	r := NewReader(appconfig.BybitSourceConfig{Enabled: true, Symbols: []string{"BTCUSDT"}}, events)
	r.ctx = context.Background()
	r.symbols = []string{"BTCUSDT"}

	if err := r.handle(`{"op":"subscribe","success":false,"ret_msg":"invalid topic"}`); err != nil {
		t.Fatalf("handle: %v", err)
	}
	ev := <-events.C
	if ev.Kind != models.EventStatus || ev.Status != models.StatusError || ev.Message != "invalid topic" {
		t.Fatalf("unexpected event %+v", ev)
	}

	if err := r.handle(`{"topic":"tickers.BTCUSDT","type":"delta","data":{"symbol":"BTCUSDT","ask1Price":"5"}}`); err != nil {
		t.Fatalf("handle: %v", err)
	}
	ev = <-events.C
	if ev.Kind != models.EventUpdate || !ev.Fields.Equal(models.Fields{"ASK": num("5")}) {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestTopics(t *testing.T) {
	got := topics([]string{"BTCUSDT", "ETHUSDT"})
	if len(got) != 2 || got[0] != "tickers.BTCUSDT" || got[1] != "tickers.ETHUSDT" {
		t.Fatalf("unexpected topics %v", got)
	}
}

func TestReaderStopWithLiveContext(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(data), `"subscribe"`) {
				select {
				case subscribed <- string(data):
				default:
				}
			}
		}
	}))
	defer srv.Close()

	cfg := appconfig.BybitSourceConfig{
		Enabled: true,
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbols: []string{"BTCUSDT"},
	}
	r := NewReader(cfg, channel.NewEvents("events", 16))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case msg := <-subscribed:
		if !strings.Contains(msg, "tickers.BTCUSDT") {
			t.Fatalf("unexpected subscription %s", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reader never subscribed")
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

func TestReachableReportsDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	if err := reachable(context.Background(), url); err == nil {
		t.Fatal("expected dial error for a closed endpoint")
	}
}
