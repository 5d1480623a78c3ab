package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "quoteflow.log")
	log := Logger()
	if err := log.Configure("debug", "json", path, 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	log.WithComponent("test").Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte(`"message":"hello"`)) {
		t.Fatalf("log line not written: %s", data)
	}
}

func TestJSONFieldNames(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)
	log.WithComponent("cache").WithFields(Fields{"instrument": "X"}).Info("applied")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, buf.String())
	}
	for _, key := range []string{"timestamp", "level", "message", "component", "instrument"} {
		if _, ok := line[key]; !ok {
			t.Errorf("missing key %q in %v", key, line)
		}
	}
}

func TestWithEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestWarnCountsPerComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)

	before := snapshotCounters(&warnsByComponent)["warn_counter_test"]
	log.WithComponent("warn_counter_test").Warn("first")
	log.WithComponent("warn_counter_test").Warn("second")

	after := snapshotCounters(&warnsByComponent)["warn_counter_test"]
	if after-before != 2 {
		t.Fatalf("expected 2 warnings recorded, got %d", after-before)
	}
}

func TestReportFieldsCountEvents(t *testing.T) {
	before := reportFields()["refresh_events"].(int64)
	IncrementEvent("refresh")
	IncrementEvent("bogus")
	after := reportFields()["refresh_events"].(int64)
	if after-before != 1 {
		t.Fatalf("expected refresh counter to move by 1, got %d", after-before)
	}
}

func TestCallerIsOutsideLoggerPackage(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)
	log.WithComponent("cache").Warn("caller check")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, buf.String())
	}
	file, _ := line["file"].(string)
	if !strings.HasPrefix(file, "logger_test.go:") {
		t.Fatalf("expected caller in logger_test.go, got %q", file)
	}
}

func TestConfigureLeavesLoggerOnError(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("debug", "json", "stdout", 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := log.Configure("warn", "xml", "stdout", 0); err == nil {
		t.Fatal("expected error for invalid format")
	}
	if log.GetLevel() != logrus.DebugLevel {
		t.Fatalf("level changed by a failed configure: %s", log.GetLevel())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    logrus.Level
		wantErr bool
	}{
		{"", logrus.InfoLevel, false},
		{"report", logrus.InfoLevel, false},
		{" DEBUG ", logrus.DebugLevel, false},
		{"warn", logrus.WarnLevel, false},
		{"loud", 0, true},
	}
	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseLevel(%q) error = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
