package metrics

import (
	"strings"
	"sync/atomic"
	"time"

	"quoteflow/config"
)

type Feature string

const (
	FeatureChannelSize Feature = "channel_size"
	FeaturePrometheus  Feature = "prometheus"
)

var (
	channelSizeEnabled atomic.Bool
	prometheusEnabled  atomic.Bool
	reportInterval     atomic.Int64
)

var timeNow = time.Now

func init() {
	Configure(config.MetricsConfig{Prometheus: true, ChannelSize: true, Interval: 10 * time.Second})
}

// Configure applies the metrics section of the configuration.
func Configure(cfg config.MetricsConfig) {
	channelSizeEnabled.Store(cfg.ChannelSize)
	prometheusEnabled.Store(cfg.Prometheus)
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	reportInterval.Store(int64(interval))
}

func IsFeatureEnabled(f Feature) bool {
	switch f {
	case FeatureChannelSize:
		return channelSizeEnabled.Load()
	case FeaturePrometheus:
		return prometheusEnabled.Load()
	default:
		return true
	}
}

// ReportInterval is the cadence for periodic component reports.
func ReportInterval() time.Duration {
	return time.Duration(reportInterval.Load())
}

func metricEnabled(name string) bool {
	if strings.HasSuffix(name, "_buffer_length") {
		return IsFeatureEnabled(FeatureChannelSize)
	}
	return true
}
