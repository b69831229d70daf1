package worker

import (
	"sync"
)

type task struct {
	key string
	fn  func()
}

// Queue runs submitted tasks one at a time, in submission order, on a single
// goroutine owned by the queue.
type Queue struct {
	name   string
	logger func(string, ...interface{})

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []task
	pending map[string]bool
	running bool
	closed  bool
	done    chan struct{}
}

// New creates a queue and starts its worker goroutine
func New(name string, logger func(string, ...interface{})) *Queue {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}

	q := &Queue{
		name:    name,
		logger:  logger,
		pending: make(map[string]bool),
		done:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)

	go q.loop()
	return q
}

// Submit enqueues fn under key without blocking. A key that is already
// waiting in the queue is not queued twice; a key whose task is currently
// running is queued again. It returns false if the task was not queued.
func (q *Queue) Submit(key string, fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.pending[key] {
		return false
	}

	q.pending[key] = true
	q.tasks = append(q.tasks, task{key: key, fn: fn})
	q.cond.Broadcast()
	return true
}

// Flush blocks until the queue is empty and no task is running
func (q *Queue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.tasks) > 0 || q.running {
		q.cond.Wait()
	}
}

// Len returns the number of tasks waiting to run
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops accepting work, runs everything already queued and waits for
// the worker goroutine to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	<-q.done
	q.log("stopped")
}

func (q *Queue) loop() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.closed {
			q.mu.Unlock()
			return
		}

		t := q.tasks[0]
		q.tasks[0] = task{}
		q.tasks = q.tasks[1:]
		delete(q.pending, t.key)
		q.running = true
		q.mu.Unlock()

		q.run(t)

		q.mu.Lock()
		q.running = false
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

func (q *Queue) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			q.log("task %s panicked: %v", t.key, r)
		}
	}()
	t.fn()
}

func (q *Queue) log(format string, args ...interface{}) {
	q.logger("[WQ "+q.name+"] "+format, args...)
}
