package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
)

func TestSlogServiceLoggerLevels(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(buf, Options{Level: "trace", Format: "json"})

	logger.Trace("t", nil)
	logger.Debug("d", LogFields{"k": "v"})
	logger.Warn("w", nil)
	logger.Critical("dlq_write_failed", errors.New("disk full"), LogFields{"service": "knowledge"})

	out := buf.String()
	for _, want := range []string{`"level":"TRACE"`, `"level":"DEBUG"`, `"level":"WARN"`, `"level":"CRITICAL"`, `"error":"disk full"`, `"service":"knowledge"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in output:\n%s", want, out)
		}
	}
}

func TestSlogServiceLoggerWithFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(buf, Options{Format: "text"}).With(LogFields{"service": "relationship"})
	logger.Debug("hidden", nil)
	logger.Info("visible", nil)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug entry should be filtered at info level: %s", out)
	}
	if !strings.Contains(out, "service=relationship") {
		t.Fatalf("expected inherited field, got %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("WARNING") != ParseLevel("warn") {
		t.Fatal("expected warning alias")
	}
	if ParseLevel("nonsense") != ParseLevel("info") {
		t.Fatal("expected info default")
	}
}

func TestWatermillServiceLoggerMapsSeverity(t *testing.T) {
	base := &recordingWatermillLogger{}
	logger := NewWatermillServiceLogger(base)

	logger.Warn("careful", LogFields{"a": 1})
	logger.Critical("boom", errors.New("x"), nil)
	logger.Info("plain", nil)

	if len(base.entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(base.entries))
	}
	if base.entries[0].level != "info" || base.entries[0].fields["severity"] != "warn" {
		t.Fatalf("unexpected warn mapping: %#v", base.entries[0])
	}
	if base.entries[1].level != "error" || base.entries[1].fields["severity"] != "critical" {
		t.Fatalf("unexpected critical mapping: %#v", base.entries[1])
	}
}

func TestWatermillAdapterUsesSlogDirectly(t *testing.T) {
	buf := &bytes.Buffer{}
	adapter := NewWatermillAdapter(New(buf, Options{}))
	adapter.Info("from watermill", watermill.LogFields{"topic": "governance.record"})
	if !strings.Contains(buf.String(), "governance.record") {
		t.Fatalf("expected slog output, got %s", buf.String())
	}
}

func TestWatermillAdapterWrapsCustomLogger(t *testing.T) {
	base := &recordingWatermillLogger{}
	adapter := NewWatermillAdapter(NewWatermillServiceLogger(base))
	adapter.Error("err", errors.New("boom"), nil)
	if len(base.entries) != 1 || base.entries[0].err == nil {
		t.Fatalf("expected delegated error entry, got %#v", base.entries)
	}
}

func TestConstructorsPanicOnNil(t *testing.T) {
	for name, fn := range map[string]func(){
		"slog":      func() { NewSlogServiceLogger(nil) },
		"watermill": func() { NewWatermillServiceLogger(nil) },
		"adapter":   func() { NewWatermillAdapter(nil) },
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if r := recover(); r == nil {
					t.Fatal("expected panic")
				}
			}()
			fn()
		})
	}
}

type watermillEntry struct {
	level  string
	fields watermill.LogFields
	err    error
}

type recordingWatermillLogger struct {
	entries []watermillEntry
}

func (r *recordingWatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	r.entries = append(r.entries, watermillEntry{level: "error", fields: fields, err: err})
}

func (r *recordingWatermillLogger) Info(msg string, fields watermill.LogFields) {
	r.entries = append(r.entries, watermillEntry{level: "info", fields: fields})
}

func (r *recordingWatermillLogger) Debug(msg string, fields watermill.LogFields) {
	r.entries = append(r.entries, watermillEntry{level: "debug", fields: fields})
}

func (r *recordingWatermillLogger) Trace(msg string, fields watermill.LogFields) {
	r.entries = append(r.entries, watermillEntry{level: "trace", fields: fields})
}

func (r *recordingWatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return r
}
