package writer

import (
	"encoding/json"
	"time"

	"quoteflow/cache"
	"quoteflow/models"
)

// Notification is the JSON document published for every cache notification.
// Refresh and update documents always carry fields, even when empty, so a
// cleared image is told apart from status and complete documents.
type Notification struct {
	Type       string         `json:"type"`
	CacheID    string         `json:"cache_id"`
	Instrument string         `json:"instrument,omitempty"`
	Fields     *models.Fields `json:"fields,omitempty"`
	Status     string         `json:"status,omitempty"`
	Message    string         `json:"message,omitempty"`
	Completion string         `json:"completion,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

func fieldSet(f models.Fields) *models.Fields {
	if f == nil {
		f = models.Fields{}
	}
	return &f
}

func (n Notification) encode() ([]byte, error) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	return json.Marshal(n)
}

// notificationObservers adapts every cache slot to a single publish func.
func notificationObservers(publish func(Notification) error) cache.Observers {
	return cache.Observers{
		OnRefresh: func(c *cache.Cache, instrument string, fields models.Fields) error {
			return publish(Notification{Type: "refresh", CacheID: c.ID(), Instrument: instrument, Fields: fieldSet(fields)})
		},
		OnUpdate: func(c *cache.Cache, instrument string, changed models.Fields) error {
			return publish(Notification{Type: "update", CacheID: c.ID(), Instrument: instrument, Fields: fieldSet(changed)})
		},
		OnStatus: func(c *cache.Cache, instrument string, status models.InstrumentStatus, message string) error {
			return publish(Notification{Type: "status", CacheID: c.ID(), Instrument: instrument, Status: status.String(), Message: message})
		},
		OnComplete: func(c *cache.Cache) error {
			return publish(Notification{Type: "complete", CacheID: c.ID(), Completion: models.CompletionComplete.String()})
		},
	}
}
