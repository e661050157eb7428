package taskqueue

import (
	"fmt"
	"sync"
)

// ErrorContext labels every task failure sent to the error sink.
const ErrorContext = "Error processing promise"

// Mode selects how the dispatch loop runs tasks.
type Mode int

const (
	ModeBatch Mode = iota
	ModeAsync
)

func (m Mode) String() string {
	if m == ModeAsync {
		return "async"
	}
	return "batch"
}

// ParseMode accepts "batch" or "async".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "batch", "":
		return ModeBatch, nil
	case "async":
		return ModeAsync, nil
	}
	return ModeBatch, fmt.Errorf("taskqueue: unknown mode %q", s)
}

// Task is a deferred operation.
type Task func() error

// ErrorSink receives task failures.
type ErrorSink func(err error, context string)

// Option configures a Queue.
type Option func(*Queue)

// WithErrorSink sets where task failures are reported.
func WithErrorSink(sink ErrorSink) Option {
	return func(q *Queue) { q.onError = sink }
}

// WithIndex makes every successful task advance idx.
func WithIndex(idx *Index) Option {
	return func(q *Queue) { q.index = idx }
}

// Stats is a point-in-time view of a Queue.
type Stats struct {
	MaxParallel int    `json:"max_parallel"`
	InFlight    int    `json:"in_flight"`
	Pending     int    `json:"pending"`
	Succeeded   uint64 `json:"succeeded"`
	Failed      uint64 `json:"failed"`
}

// Queue is a FIFO concurrency limiter. It is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	idle     *sync.Cond
	mode     Mode
	max      int
	pending  []Task
	inFlight int
	running  bool

	succeeded uint64
	failed    uint64

	onError ErrorSink
	index   *Index
}

// New creates a Queue. maxParallel below 1 is raised to 1.
func New(mode Mode, maxParallel int, opts ...Option) *Queue {
	if maxParallel < 1 {
		maxParallel = 1
	}
	q := &Queue{
		mode:    mode,
		max:     maxParallel,
		onError: func(error, string) {},
	}
	q.idle = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends tasks and kicks the dispatch loop.
func (q *Queue) Enqueue(tasks ...Task) {
	if len(tasks) == 0 {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, tasks...)
	q.mu.Unlock()
	q.dispatch()
}

// IncreaseMax raises the limit by one unless that would exceed ceiling.
func (q *Queue) IncreaseMax(ceiling int) bool {
	q.mu.Lock()
	if q.max+1 > ceiling {
		q.mu.Unlock()
		return false
	}
	q.max++
	q.mu.Unlock()
	q.dispatch()
	return true
}

// DecreaseMax lowers the limit by one, never below 1. Tasks already in
// flight are not interrupted.
func (q *Queue) DecreaseMax() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.max <= 1 {
		return false
	}
	q.max--
	return true
}

func (q *Queue) MaxParallel() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.max
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		MaxParallel: q.max,
		InFlight:    q.inFlight,
		Pending:     len(q.pending),
		Succeeded:   q.succeeded,
		Failed:      q.failed,
	}
}

// WaitIdle blocks until nothing is in flight. It returns true if the queue
// was already idle when called, which callers use as a load-shedding signal.
func (q *Queue) WaitIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight == 0 {
		return true
	}
	for q.inFlight > 0 {
		q.idle.Wait()
	}
	return false
}

// Drain blocks until the queue is empty and nothing is in flight.
func (q *Queue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.inFlight > 0 || len(q.pending) > 0 {
		q.idle.Wait()
	}
}

// dispatch starts the dispatch loop unless it is already running.
func (q *Queue) dispatch() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	if q.mode == ModeBatch {
		go q.runBatches()
		return
	}
	q.fill()
}

func (q *Queue) runBatches() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		}
		n := min(q.max, len(q.pending))
		batch := make([]Task, n)
		copy(batch, q.pending)
		q.pending = q.pending[n:]
		q.inFlight += n
		q.mu.Unlock()

		var wg sync.WaitGroup
		for _, task := range batch {
			wg.Add(1)
			go func() {
				defer wg.Done()
				q.execute(task)
				q.settle()
			}()
		}
		wg.Wait()
	}
}

func (q *Queue) fill() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.inFlight < q.max && len(q.pending) > 0 {
		task := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.inFlight++
		go func() {
			q.execute(task)
			q.settle()
			q.dispatch()
		}()
	}
	q.running = false
	if q.inFlight == 0 && len(q.pending) == 0 {
		q.idle.Broadcast()
	}
}

func (q *Queue) settle() {
	q.mu.Lock()
	q.inFlight--
	q.idle.Broadcast()
	q.mu.Unlock()
}

func (q *Queue) execute(task Task) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("taskqueue: task panicked: %v", r)
			}
		}()
		err = task()
	}()

	q.mu.Lock()
	if err != nil {
		q.failed++
	} else {
		q.succeeded++
	}
	q.mu.Unlock()

	if err != nil {
		q.onError(err, ErrorContext)
		return
	}
	if q.index != nil {
		q.index.Advance()
	}
}
