package metrics

import (
	"context"
	"time"

	"quoteflow/logger"
)

// Buffer is anything with an observable queue depth.
type Buffer interface {
	Name() string
	Len() int
	Cap() int
}

// StartChannelSizeMetrics emits the occupancy of each buffer every interval
// until ctx is cancelled. A non-positive interval means one second.
func StartChannelSizeMetrics(ctx context.Context, interval time.Duration, buffers ...Buffer) {
	if !IsFeatureEnabled(FeatureChannelSize) || len(buffers) == 0 {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, b := range buffers {
					reportBuffer(log, b)
				}
			}
		}
	}()
}

func reportBuffer(log *logger.Log, b Buffer) {
	length := b.Len()
	setChannelLength(b.Name(), length)
	EmitMetric(log, "channel_buffers", b.Name()+"_buffer_length", length, "gauge", logger.Fields{
		"buffer":   b.Name(),
		"capacity": b.Cap(),
	})
}
