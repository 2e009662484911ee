// Package background runs detached best-effort side effects. Failures are
// routed to an error sink and never propagate to the spawning operation;
// tests call Drain before asserting on side effects.
package background

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrorSink receives failures from detached tasks.
type ErrorSink func(name string, err error)

// Tasks tracks spawned goroutines so they can be awaited deterministically.
type Tasks struct {
	wg   sync.WaitGroup
	sink ErrorSink
}

// New constructs a task set. A nil sink logs through the provided logger,
// and a nil logger discards.
func New(logger *zap.Logger, sink ErrorSink) *Tasks {
	if sink == nil {
		if logger == nil {
			logger = zap.NewNop()
		}
		log := logger
		sink = func(name string, err error) {
			log.Error("background task failed", zap.String("task", name), zap.Error(err))
		}
	}
	return &Tasks{sink: sink}
}

// Go spawns fn on its own goroutine. The caller is never blocked and never
// observes fn's error.
func (t *Tasks) Go(name string, fn func(ctx context.Context) error) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				t.sink(name, fmt.Errorf("panic: %v", recovered))
			}
		}()
		if err := fn(context.Background()); err != nil {
			t.sink(name, err)
		}
	}()
}

// Drain blocks until every spawned task has finished.
func (t *Tasks) Drain() {
	t.wg.Wait()
}
