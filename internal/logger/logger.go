// Package logger implements a non-blocking, batched usage-record sink.
//
// Records are written to an internal buffered channel and flushed in
// batches by a background goroutine, so recording usage never blocks the
// request path. If the channel fills up, the oldest queued record is
// evicted to make room for the new one, counted in DroppedRecords, with a
// WARN log on overflow.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// UsageRecord is the wire type flowing through Record, one per completed
// request (successful, failed, or cancelled).
type UsageRecord struct {
	RequestID        string
	ModelID          string
	UpstreamID       string
	Provider         string
	Channel          string
	Tool             string
	SessionID        string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	LatencyMs        int64
	HTTPStatus       int
	Cached           bool
	Cancelled        bool
	CreatedAt        time.Time
}

// Sink is the narrow interface the forwarding core depends on; Logger
// implements it, and tests can substitute a slice-backed fake.
type Sink interface {
	Record(r UsageRecord)
}

type Logger struct {
	ch        chan UsageRecord
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedRecords int64

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	l := &Logger{
		ch:      make(chan UsageRecord, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Record enqueues r for async flushing. It never blocks: on a full channel
// it evicts the oldest queued record to make room for r, increments the
// drop counter, and logs a WARN.
func (l *Logger) Record(r UsageRecord) {
	select {
	case l.ch <- r:
		return
	default:
	}

	select {
	case <-l.ch:
	default:
	}

	n := atomic.AddInt64(&l.droppedRecords, 1)
	l.log.Warn("usage_record_dropped", slog.Int64("total_dropped", n))

	select {
	case l.ch <- r:
	default:
	}
}

func (l *Logger) DroppedRecords() int64 {
	return atomic.LoadInt64(&l.droppedRecords)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]UsageRecord, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, r := range batch {
			l.log.InfoContext(ctx, "usage",
				slog.String("request_id", r.RequestID),
				slog.String("model", r.ModelID),
				slog.String("upstream", r.UpstreamID),
				slog.String("provider", r.Provider),
				slog.String("channel", r.Channel),
				slog.String("tool", r.Tool),
				slog.String("session_id", r.SessionID),
				slog.Int("prompt_tokens", r.PromptTokens),
				slog.Int("completion_tokens", r.CompletionTokens),
				slog.Float64("cost_usd", r.CostUSD),
				slog.Int64("latency_ms", r.LatencyMs),
				slog.Int("status", r.HTTPStatus),
				slog.Bool("cached", r.Cached),
				slog.Bool("cancelled", r.Cancelled),
				slog.Time("created_at", normalizeTime(r.CreatedAt)),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case r := <-l.ch:
			batch = append(batch, r)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case r := <-l.ch:
					batch = append(batch, r)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
