package bybit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"quoteflow/internal/symbols"
	"quoteflow/models"
)

// tickerFieldNames maps Bybit v5 ticker keys to published field names.
var tickerFieldNames = map[string]string{
	"lastPrice":     "LAST",
	"bid1Price":     "BID",
	"bid1Size":      "BID_SIZE",
	"ask1Price":     "ASK",
	"ask1Size":      "ASK_SIZE",
	"markPrice":     "MARK",
	"indexPrice":    "INDEX",
	"openInterest":  "OPEN_INTEREST",
	"fundingRate":   "FUNDING_RATE",
	"volume24h":     "VOLUME_24H",
	"turnover24h":   "TURNOVER_24H",
	"price24hPcnt":  "CHANGE_24H",
	"highPrice24h":  "HIGH_24H",
	"lowPrice24h":   "LOW_24H",
	"tickDirection": "TICK_DIRECTION",
}

type tickerPayload struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type subscriptionAck struct {
	Op      string `json:"op"`
	Success bool   `json:"success"`
	RetMsg  string `json:"ret_msg"`
}

// parseMessage converts one websocket frame. Frames that are not ticker
// pushes, such as subscription acks and pongs, yield no events.
func parseMessage(message []byte) ([]models.Event, error) {
	var payload tickerPayload
	if err := json.Unmarshal(message, &payload); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if !strings.HasPrefix(payload.Topic, "tickers.") {
		return nil, nil
	}

	kind, err := models.ParseEventKind(payload.Type)
	if err != nil {
		return nil, err
	}

	entries, err := tickerEntries(payload.Data)
	if err != nil {
		return nil, err
	}

	received := time.Now()
	if payload.Ts > 0 {
		received = time.UnixMilli(payload.Ts)
	}

	topicSymbol := strings.TrimPrefix(payload.Topic, "tickers.")
	events := make([]models.Event, 0, len(entries))
	for _, entry := range entries {
		symbol := topicSymbol
		if s, ok := entry["symbol"]; ok && s != "" {
			symbol = s
		}
		events = append(events, models.Event{
			Kind:       kind,
			Instrument: symbols.Instrument(symbols.Bybit, symbol),
			Fields:     tickerFields(entry),
			Source:     source,
			ReceivedAt: received,
		})
	}
	return events, nil
}

// tickerEntries accepts the object form used by linear tickers and the
// array form used by some other categories.
func tickerEntries(data json.RawMessage) ([]map[string]string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("ticker frame without data")
	}
	if data[0] == '[' {
		var entries []map[string]string
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("decode ticker list: %w", err)
		}
		return entries, nil
	}
	var entry map[string]string
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode ticker: %w", err)
	}
	return []map[string]string{entry}, nil
}

func tickerFields(entry map[string]string) models.Fields {
	fields := models.Fields{}
	for key, raw := range entry {
		name, ok := tickerFieldNames[key]
		if !ok {
			continue
		}
		switch {
		case raw == "":
			fields[name] = models.Null()
		default:
			if v, err := models.NumberFromString(raw); err == nil {
				fields[name] = v
			} else {
				fields[name] = models.Text(raw)
			}
		}
	}
	return fields
}
