package worker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueRunsInSubmissionOrder(t *testing.T) {
	q := New("test", t.Logf)
	defer q.Close()

	var mu sync.Mutex
	var got []int

	for i := 0; i < 50; i++ {
		i := i
		if !q.Submit(fmt.Sprintf("task-%d", i), func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}) {
			t.Fatalf("Submit(%d) rejected", i)
		}
	}
	q.Flush()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 50 {
		t.Fatalf("ran %d tasks, want 50", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task order = %v", got)
		}
	}
}

func TestQueueNeverRunsConcurrently(t *testing.T) {
	q := New("test", t.Logf)
	defer q.Close()

	var active, maxActive int32
	var wg sync.WaitGroup
	wg.Add(20)

	for i := 0; i < 20; i++ {
		go func(id int) {
			defer wg.Done()
			q.Submit(fmt.Sprintf("task-%d", id), func() {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
			})
		}(i)
	}

	wg.Wait()
	q.Flush()

	if maxActive != 1 {
		t.Errorf("max concurrent tasks = %d, want 1", maxActive)
	}
}

func TestQueueCoalescesPendingKey(t *testing.T) {
	q := New("test", t.Logf)
	defer q.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	q.Submit("blocker", func() {
		close(started)
		<-release
	})
	<-started

	var runs int32
	inc := func() { atomic.AddInt32(&runs, 1) }

	if !q.Submit("autopm", inc) {
		t.Fatal("first submit rejected")
	}
	if q.Submit("autopm", inc) {
		t.Error("second submit of a pending key was accepted")
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}

	close(release)
	q.Flush()

	if runs != 1 {
		t.Errorf("runs = %d, want 1", runs)
	}

	// Once it ran, the key can be queued again
	if !q.Submit("autopm", inc) {
		t.Error("resubmit after run rejected")
	}
	q.Flush()
	if runs != 2 {
		t.Errorf("runs = %d, want 2", runs)
	}
}

func TestQueueCloseDrainsPending(t *testing.T) {
	q := New("test", t.Logf)

	var runs int32
	for i := 0; i < 10; i++ {
		q.Submit(fmt.Sprintf("task-%d", i), func() {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&runs, 1)
		})
	}

	q.Close()

	if runs != 10 {
		t.Errorf("runs after Close = %d, want 10", runs)
	}
	if q.Submit("late", func() {}) {
		t.Error("Submit after Close accepted")
	}

	// Close is idempotent
	q.Close()
}

func TestQueueSurvivesPanic(t *testing.T) {
	q := New("test", t.Logf)
	defer q.Close()

	var ran bool
	q.Submit("boom", func() { panic("boom") })
	q.Submit("after", func() { ran = true })
	q.Flush()

	if !ran {
		t.Error("task after a panicking task did not run")
	}
}

func TestQueueTaskCanSubmit(t *testing.T) {
	q := New("test", t.Logf)
	defer q.Close()

	var order []string
	q.Submit("first", func() {
		order = append(order, "first")
		q.Submit("second", func() { order = append(order, "second") })
	})
	q.Flush()

	if len(order) != 2 || order[1] != "second" {
		t.Errorf("order = %v", order)
	}
}
