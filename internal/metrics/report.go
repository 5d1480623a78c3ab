package metrics

import "quoteflow/logger"

// DropReason labels why an event never changed the cache.
type DropReason string

const (
	DropUnmatched DropReason = "unmatched_instrument"
	DropClosed    DropReason = "cache_closed"
	DropNotOpen   DropReason = "not_open"
	DropMalformed DropReason = "malformed"
	DropDecode    DropReason = "decode"
)

// EmitDropMetric counts one dropped event.
func EmitDropMetric(log *logger.Log, kind string, reason DropReason, source string) {
	IncrementDropped(kind, string(reason))
	fields := logger.Fields{"kind": kind, "reason": string(reason)}
	if source != "" {
		fields["source"] = source
	}
	EmitMetric(log, "dispatcher", "events_dropped", 1, "counter", fields)
}

// DispatcherStats is a point-in-time view of the dispatcher counters.
type DispatcherStats struct {
	Applied          int64
	Dropped          int64
	ObserverFailures int64
	ChannelLen       int
	ChannelCap       int
}

func ReportDispatcher(log *logger.Log, stats DispatcherStats) {
	l := log.WithComponent("dispatcher")

	dropRate := float64(0)
	if total := stats.Applied + stats.Dropped; total > 0 {
		dropRate = float64(stats.Dropped) / float64(total)
	}

	EmitMetric(log, "dispatcher", "events_applied", stats.Applied, "counter", logger.Fields{})
	EmitMetric(log, "dispatcher", "drop_rate", dropRate, "gauge", logger.Fields{})

	l.WithFields(logger.Fields{
		"applied":           stats.Applied,
		"dropped":           stats.Dropped,
		"observer_failures": stats.ObserverFailures,
		"drop_rate":         dropRate,
		"channel_len":       stats.ChannelLen,
		"channel_cap":       stats.ChannelCap,
	}).Info("dispatcher metrics")
}

// WriterStats holds counters for snapshot exporters and publishers.
type WriterStats struct {
	BatchesWritten int64
	RowsWritten    int64
	BytesWritten   int64
	ErrorsCount    int64
}

func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	l := log.WithComponent(component)

	errorRate := float64(0)
	if stats.BatchesWritten+stats.ErrorsCount > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(stats.BatchesWritten+stats.ErrorsCount)
	}

	EmitMetric(log, component, "batches_written", stats.BatchesWritten, "counter", logger.Fields{})
	EmitMetric(log, component, "rows_written", stats.RowsWritten, "counter", logger.Fields{})
	EmitMetric(log, component, "bytes_written", stats.BytesWritten, "counter", logger.Fields{"unit": "bytes"})
	EmitMetric(log, component, "errors_count", stats.ErrorsCount, "counter", logger.Fields{})

	entry := l.WithFields(logger.Fields{
		"batches_written": stats.BatchesWritten,
		"rows_written":    stats.RowsWritten,
		"bytes_written":   stats.BytesWritten,
		"errors_count":    stats.ErrorsCount,
		"error_rate":      errorRate,
	})

	if stats.ErrorsCount > 0 {
		entry.Warn(component + " metrics")
		return
	}
	entry.Info(component + " metrics")
}
