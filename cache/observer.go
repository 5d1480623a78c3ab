package cache

import "quoteflow/models"

// RefreshFunc receives the full image that replaced an instrument's fields.
type RefreshFunc func(c *Cache, instrument string, fields models.Fields) error

// UpdateFunc receives only the changed fields, not the merged state.
type UpdateFunc func(c *Cache, instrument string, changed models.Fields) error

type StatusFunc func(c *Cache, instrument string, status models.InstrumentStatus, message string) error

// CompleteFunc fires at most once per opened cache.
type CompleteFunc func(c *Cache) error

// Observers groups the four notification slots. Every slot is optional.
type Observers struct {
	OnRefresh  RefreshFunc
	OnUpdate   UpdateFunc
	OnStatus   StatusFunc
	OnComplete CompleteFunc
}

func (o Observers) empty() bool {
	return o.OnRefresh == nil && o.OnUpdate == nil && o.OnStatus == nil && o.OnComplete == nil
}

const (
	slotRefresh  = "refresh"
	slotUpdate   = "update"
	slotStatus   = "status"
	slotComplete = "complete"
)
