package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestQueueRunsTasksInSubmissionOrder(t *testing.T) {
	q := New()
	t.Cleanup(q.Close)

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		if err := q.Push(context.Background(), func(context.Context) error {
			order = append(order, i)
			return nil
		}); err != nil {
			t.Fatalf("push %d failed: %v", i, err)
		}
	}

	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("expected [0 1 2], got %v", order)
	}
}

func TestQueueHoldsSubmissionsBehindBlockedTask(t *testing.T) {
	q := New()
	t.Cleanup(q.Close)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	started := make(chan struct{})
	release := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = q.Push(context.Background(), func(context.Context) error {
			close(started)
			<-release
			mu.Lock()
			order = append(order, 0)
			mu.Unlock()
			return nil
		})
	}()
	// The head task must be executing before anything stacks up behind it.
	<-started

	for i := 1; i <= 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Push(context.Background(), func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
	}

	// Nothing behind the blocked head may run yet.
	mu.Lock()
	ran := len(order)
	mu.Unlock()
	if ran != 0 {
		t.Fatalf("tasks ran past the blocked head: %v", order)
	}

	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 6 {
		t.Fatalf("expected 6 tasks, got %d", len(order))
	}
	if order[0] != 0 {
		t.Fatalf("blocked head should run first, got order %v", order)
	}
	seen := make(map[int]bool, len(order))
	for _, id := range order {
		if seen[id] {
			t.Fatalf("task %d ran twice: %v", id, order)
		}
		seen[id] = true
	}
}

func TestQueueSurvivesFailingTask(t *testing.T) {
	q := New()
	t.Cleanup(q.Close)

	wantErr := errors.New("boom")
	if err := q.Push(context.Background(), func(context.Context) error {
		return wantErr
	}); !errors.Is(err, wantErr) {
		t.Fatalf("expected task error, got %v", err)
	}

	if err := q.Push(context.Background(), func(context.Context) error {
		panic("task panic")
	}); err == nil {
		t.Fatal("expected panic to surface as error")
	}

	ran := false
	if err := q.Push(context.Background(), func(context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("queue poisoned by earlier failure: %v", err)
	}
	if !ran {
		t.Fatal("subsequent task did not run")
	}
}

func TestQueueNeverRunsTasksConcurrently(t *testing.T) {
	q := New()
	t.Cleanup(q.Close)

	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Push(context.Background(), func(context.Context) error {
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()
				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Fatalf("expected at most one in-flight task, saw %d", maxInFlight)
	}
}

func TestQueueRejectsPushAfterClose(t *testing.T) {
	q := New()
	q.Close()

	err := q.Push(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}
