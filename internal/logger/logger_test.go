package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestLogger(t *testing.T, buf *bytes.Buffer) *Logger {
	t.Helper()
	slogger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	l, err := New(context.Background(), slogger)
	if err != nil {
		t.Fatalf("unexpected error constructing logger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestNew_RejectsNilContext(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Fatalf("expected an error when ctx is nil")
	}
}

func TestLogger_RecordIsFlushedOnClose(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf)

	l.Record(UsageRecord{RequestID: "req-1", ModelID: "gpt-4o", PromptTokens: 10, CreatedAt: time.Now()})
	l.Close()

	if !strings.Contains(buf.String(), `"request_id":"req-1"`) {
		t.Fatalf("expected the record to be flushed to the underlying logger on Close, got %q", buf.String())
	}
}

func TestLogger_DroppedRecordsCountsOverflow(t *testing.T) {
	var buf bytes.Buffer
	slogger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	l := &Logger{
		ch:      make(chan UsageRecord),
		done:    make(chan struct{}),
		baseCtx: context.Background(),
		log:     slogger,
	}
	// no run() goroutine started: the unbuffered channel send always falls
	// to the default branch and is counted as dropped.
	l.Record(UsageRecord{RequestID: "req-1"})
	l.Record(UsageRecord{RequestID: "req-2"})

	if got := l.DroppedRecords(); got != 2 {
		t.Fatalf("expected 2 dropped records, got %d", got)
	}
}

func TestLogger_OverflowDropsOldestNotNewest(t *testing.T) {
	var buf bytes.Buffer
	slogger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	l := &Logger{
		ch:      make(chan UsageRecord, 1),
		done:    make(chan struct{}),
		baseCtx: context.Background(),
		log:     slogger,
	}
	// No run() goroutine started: the channel never drains on its own, so
	// filling its capacity of 1 and recording a second time forces the
	// overflow path to choose what to evict.
	l.Record(UsageRecord{RequestID: "oldest"})
	l.Record(UsageRecord{RequestID: "newest"})

	queued := <-l.ch
	if queued.RequestID != "newest" {
		t.Fatalf("expected the newest record to survive overflow and the oldest to be evicted, got %q", queued.RequestID)
	}
	if got := l.DroppedRecords(); got != 1 {
		t.Fatalf("expected 1 dropped record, got %d", got)
	}
}

func TestLogger_FlushesUsageFieldsAsStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf)

	l.Record(UsageRecord{
		RequestID:        "req-1",
		ModelID:          "gpt-4o",
		UpstreamID:       "up-1",
		PromptTokens:     100,
		CompletionTokens: 50,
		CostUSD:          0.01,
		HTTPStatus:       200,
	})
	l.Close()

	var entry map[string]any
	line := strings.TrimSpace(strings.Split(buf.String(), "\n")[0])
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("expected a single valid JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["model"] != "gpt-4o" {
		t.Fatalf("expected the model field to be flushed, got %v", entry["model"])
	}
	if entry["prompt_tokens"] != float64(100) {
		t.Fatalf("expected prompt_tokens 100, got %v", entry["prompt_tokens"])
	}
}

func TestNormalizeTime_FillsZeroValueWithNow(t *testing.T) {
	got := normalizeTime(time.Time{})
	if got.IsZero() {
		t.Fatalf("expected a zero input time to be normalized to a non-zero value")
	}
}

func TestNormalizeTime_PreservesNonZeroAsUTC(t *testing.T) {
	in := time.Date(2026, 1, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	got := normalizeTime(in)
	if !got.Equal(in) || got.Location() != time.UTC {
		t.Fatalf("expected the time value preserved and converted to UTC, got %v", got)
	}
}
