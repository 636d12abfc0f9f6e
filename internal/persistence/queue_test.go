package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueuePreservesOrder(t *testing.T) {
	q := NewQueue()
	var mu sync.Mutex
	var order []int
	for i := 0; i < 50; i++ {
		i := i
		q.Enqueue(func(context.Context) {
			if i%7 == 0 {
				time.Sleep(time.Millisecond)
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	q.Close()

	if len(order) != 50 {
		t.Fatalf("expected 50 jobs to run, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("job %d ran at position %d", v, i)
		}
	}
}

func TestQueueDoWaitsBehindEarlierWrites(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	release := make(chan struct{})
	var first bool
	q.Enqueue(func(context.Context) {
		<-release
		first = true
	})
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()

	err := q.Do(context.Background(), func(context.Context) error {
		if !first {
			return errors.New("ran before earlier job")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
}

func TestQueueRejectsAfterClose(t *testing.T) {
	q := NewQueue()
	q.Close()
	if q.Enqueue(func(context.Context) {}) {
		t.Fatal("Enqueue accepted a job after Close")
	}
	if err := q.Do(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Do() error = %v, want ErrQueueClosed", err)
	}
	q.Close()
}
