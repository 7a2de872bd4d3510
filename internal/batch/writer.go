// Package batch implements the batched table writer described in
// spec.md §4.2: items are buffered and flushed to the backend once a size
// threshold is crossed or an idle timer fires, whichever comes first.
// Shape is grounded in the teacher's Options.TinyBatchSize /
// TinyBatchWriteInterval (options.go) and its WAL flush-on-release
// lifecycle (wal/file.go).
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/traycho/amondawa/internal/kv"
)

// ErrClosed is returned by Put once the writer has been closed. Wrapped
// with table context rather than returned bare, so callers compare it with
// errors.Is.
var ErrClosed = errors.New("batch: writer is closed")

// Writer buffers items destined for one table and flushes them in batches.
// The zero value is not usable; construct with New.
type Writer struct {
	client kv.Client
	table  string

	maxItems int

	mu      sync.Mutex
	pending []kv.Item
	lastErr error

	idleDone chan struct{}
	closed   bool
}

// New starts a Writer for table, flushing whenever maxItems accumulate or
// idle elapses since the last flush, whichever comes first.
func New(client kv.Client, table string, maxItems int, idle time.Duration) *Writer {
	w := &Writer{
		client:   client,
		table:    table,
		maxItems: maxItems,
		idleDone: make(chan struct{}),
	}
	go w.idleLoop(idle)
	return w
}

func (w *Writer) idleLoop(idle time.Duration) {
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(idle)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.Flush(context.Background()); err != nil {
				w.mu.Lock()
				w.lastErr = err
				w.mu.Unlock()
				log.Error().Err(err).Str("table", w.table).Msg("batch: idle flush failed")
			}
		case <-w.idleDone:
			return
		}
	}
}

// Put enqueues item, flushing immediately if the buffer has reached
// maxItems. A failure of the prior flush is surfaced here, per spec.md's
// "persistent failure is surfaced to the caller of the next put or flush".
func (w *Writer) Put(ctx context.Context, item kv.Item) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("batch: writer for %q is closed: %w", w.table, ErrClosed)
	}
	w.pending = append(w.pending, item)
	shouldFlush := len(w.pending) >= w.maxItems
	bgErr := w.lastErr
	w.lastErr = nil
	w.mu.Unlock()

	if shouldFlush {
		if err := w.Flush(ctx); err != nil {
			return err
		}
	}
	return bgErr
}

// Flush sends any buffered items to the backend. It is idempotent on an
// empty buffer and drains the buffer atomically with respect to concurrent
// Put calls.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	if err := w.client.BatchWriteItem(ctx, w.table, batch); err != nil {
		wrapped := fmt.Errorf("batch: flush %q: %w", w.table, err)
		w.mu.Lock()
		// Put the batch back so a retrying caller doesn't lose it.
		w.pending = append(batch, w.pending...)
		w.mu.Unlock()
		return wrapped
	}
	return nil
}

// Close flushes any pending items once and stops the idle-flush loop. The
// Writer must not be used afterward; a block calls this on turndown.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.idleDone)
	return w.Flush(ctx)
}
