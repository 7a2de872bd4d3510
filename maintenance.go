package amondawa

import (
	"context"
	"time"
)

// MaintenanceWorker runs Schema.PerformMaintenance on a fixed tick until
// stopped. Grounded in original_source/amondawa/dp_schema.py's
// MaintenanceWorker thread, reshaped as a cancellable goroutine in the
// teacher's idiom rather than a daemon thread with a shutdown flag.
type MaintenanceWorker struct {
	schema *Schema
	tick   time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMaintenanceWorker builds a worker for schema, waking every
// cfg.MaintenanceTick.
func NewMaintenanceWorker(schema *Schema, cfg *Config) *MaintenanceWorker {
	return &MaintenanceWorker{schema: schema, tick: cfg.MaintenanceTick}
}

// Start runs the maintenance loop in a background goroutine. It is a no-op
// if already running.
func (w *MaintenanceWorker) Start(ctx context.Context) {
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// PerformMaintenance already logs and counts every failure
				// it encounters; a tick's error is never fatal to the loop.
				_ = w.schema.PerformMaintenance(ctx)
			}
		}
	}()
}

// Stop signals the loop to exit and waits for it to finish.
func (w *MaintenanceWorker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel = nil
}
