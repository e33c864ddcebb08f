// Package logsink implements an async, lossy-on-overflow log sink as a
// slog.Handler: every Handle call enqueues the record onto a buffered
// channel instead of writing synchronously, and a single background
// goroutine drains it into the wrapped handler. This mirrors
// internal/logger.Logger's channel-buffered, drop-counted pattern,
// generalized from usage records to arbitrary slog.Record values, so the
// same "never block the request path, count what you drop" guarantee
// applies to every log line the process emits, not just usage accounting
// rows.
package logsink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

const defaultBuffer = 10_000

// Handler wraps another slog.Handler and makes every Handle call
// non-blocking. Records that arrive while the buffer is full are dropped
// and counted in DroppedRecords rather than applying backpressure to the
// caller.
type Handler struct {
	core  *core
	attrs []slog.Attr
	group string
}

type core struct {
	inner slog.Handler
	ch    chan entry
	done  chan struct{}
	wg    sync.WaitGroup

	closeOnce sync.Once
	dropped   int64
}

type entry struct {
	ctx context.Context
	r   slog.Record
}

// New wraps inner in an async buffer of the given size (0 uses a sensible
// default) and starts the drain goroutine. Close must be called to flush
// and stop it.
func New(inner slog.Handler, bufferSize int) *Handler {
	if bufferSize <= 0 {
		bufferSize = defaultBuffer
	}
	c := &core{
		inner: inner,
		ch:    make(chan entry, bufferSize),
		done:  make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return &Handler{core: c}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.core.inner.Enabled(ctx, level)
}

// Handle clones r (per slog's Handler contract — a Record must not be
// retained past the call) applying this Handler's accumulated
// WithAttrs/WithGroup state, then enqueues it. On a full buffer the record
// is dropped and the drop counter incremented; no WARN is emitted here to
// avoid the dropped-log-about-a-drop loop a synchronous report would cause.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	clone := r.Clone()
	if h.group != "" {
		clone.AddAttrs(slog.Group(h.group, attrsToAny(h.attrs)...))
	} else if len(h.attrs) > 0 {
		clone.AddAttrs(h.attrs...)
	}

	select {
	case h.core.ch <- entry{ctx: ctx, r: clone}:
	default:
		atomic.AddInt64(&h.core.dropped, 1)
	}
	return nil
}

// WithAttrs returns a sibling Handler sharing this one's core (buffer and
// drain goroutine) but carrying the extra attrs — matching slog's
// expectation that derived handlers are cheap and independent.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next = append(next, h.attrs...)
	next = append(next, attrs...)
	return &Handler{core: h.core, attrs: next, group: h.group}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &Handler{core: h.core, attrs: h.attrs, group: group}
}

// DroppedRecords returns the number of log records discarded because the
// buffer was full.
func (h *Handler) DroppedRecords() int64 {
	return atomic.LoadInt64(&h.core.dropped)
}

// Close stops the drain goroutine after draining whatever is already
// buffered. Safe to call once; subsequent calls are no-ops.
func (h *Handler) Close() error {
	h.core.closeOnce.Do(func() {
		close(h.core.done)
	})
	h.core.wg.Wait()
	return nil
}

func (c *core) run() {
	defer c.wg.Done()
	for {
		select {
		case e := <-c.ch:
			_ = c.inner.Handle(e.ctx, e.r)
		case <-c.done:
			for {
				select {
				case e := <-c.ch:
					_ = c.inner.Handle(e.ctx, e.r)
				default:
					return
				}
			}
		}
	}
}

func attrsToAny(attrs []slog.Attr) []any {
	out := make([]any, len(attrs))
	for i, a := range attrs {
		out[i] = a
	}
	return out
}
