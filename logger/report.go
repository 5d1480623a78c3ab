package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	refreshEvents    int64
	updateEvents     int64
	statusEvents     int64
	droppedEvents    int64
	observerFailures int64
	completions      int64
	warnsByComponent sync.Map // map[string]*int64
	errsByComponent  sync.Map // map[string]*int64
	channels         sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	incr(&warnsByComponent, component)
}

func recordError(component string) {
	incr(&errsByComponent, component)
}

func incr(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

// IncrementEvent counts an inbound event of the given kind that reached the cache.
func IncrementEvent(kind string) {
	switch kind {
	case "refresh":
		atomic.AddInt64(&refreshEvents, 1)
	case "update":
		atomic.AddInt64(&updateEvents, 1)
	case "status":
		atomic.AddInt64(&statusEvents, 1)
	}
}

func IncrementDroppedEvent() {
	atomic.AddInt64(&droppedEvents, 1)
}

func IncrementObserverFailure() {
	atomic.AddInt64(&observerFailures, 1)
}

func IncrementCompletion() {
	atomic.AddInt64(&completions, 1)
}

// RecordChannelMessage accounts one message of size bytes on the named channel.
func RecordChannelMessage(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of system and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

func snapshotCounters(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

func reportFields() Fields {
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	return Fields{
		"refresh_events":    atomic.LoadInt64(&refreshEvents),
		"update_events":     atomic.LoadInt64(&updateEvents),
		"status_events":     atomic.LoadInt64(&statusEvents),
		"dropped_events":    atomic.LoadInt64(&droppedEvents),
		"observer_failures": atomic.LoadInt64(&observerFailures),
		"completions":       atomic.LoadInt64(&completions),
		"warns":             snapshotCounters(&warnsByComponent),
		"errors":            snapshotCounters(&errsByComponent),
		"channels":          channelData,
		"goroutines":        runtime.NumGoroutine(),
	}
}

func logReport(log *Log) {
	fields := reportFields()

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		fields["cpu_percent"] = cpuPercent[0]
	}
	if memStats, err := mem.VirtualMemory(); err == nil {
		fields["memory_mb"] = int64(memStats.Used) / 1024 / 1024
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")
}
