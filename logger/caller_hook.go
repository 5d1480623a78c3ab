package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// callerHook points entry.Caller at the first frame outside logrus and this
// package, so lines logged through Entry wrappers report the real call site.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	if f, ok := callSite(); ok {
		entry.Caller = &f
	}
	return nil
}

// wrapperPrefixes are the logger functions that sit between a call site and
// logrus.
var wrapperPrefixes = []string{
	"quoteflow/logger.(*Entry).",
	"quoteflow/logger.(*Log).",
	"quoteflow/logger.LogPerformanceEntry",
	"quoteflow/logger.callSite",
	"quoteflow/logger.(*callerHook).",
}

func internalFrame(fn string) bool {
	if strings.Contains(fn, "sirupsen/logrus") {
		return true
	}
	for _, p := range wrapperPrefixes {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}

func callSite() (runtime.Frame, bool) {
	pcs := make([]uintptr, 32)
	// runtime.Callers, callSite and Fire
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if f.Function != "" && !internalFrame(f.Function) {
			return f, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}
