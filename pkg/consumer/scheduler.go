package consumer

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// taskHeap is a min-heap of tasks ordered by ready time.
type taskHeap []task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].readyAt().Before(h[j].readyAt()) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(task))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// scheduler runs tasks on a fixed pool of workers. A dispatcher goroutine
// holds tasks until their ready time and hands them to workers over an
// unbuffered channel. A task runs one round at a time; between rounds it
// goes back into the heap, so a small pool can serve many in-flight reads.
//
// Tasks for the same instance never run concurrently: a worker that cannot
// take the instance slot puts the task back without consuming a round.
type scheduler struct {
	cfg     Config
	clock   quartz.Clock
	logger  log.Logger
	metrics *metrics

	mu       sync.Mutex
	pending  taskHeap
	numTasks int
	stopped  bool

	wake   chan struct{}
	workCh chan task
}

func newScheduler(cfg Config, clock quartz.Clock, logger log.Logger, metrics *metrics) *scheduler {
	return &scheduler{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		pending: make(taskHeap, 0, cfg.MaxQueuedTasks),
		wake:    make(chan struct{}, 1),
		workCh:  make(chan task),
	}
}

// enqueue admits a task. It fails with ErrTooManyTasks when the number of
// admitted, non-terminal tasks has reached MaxQueuedTasks, and with
// ErrShutdown once the scheduler has stopped. The caller sets the task's
// initial ready time.
func (s *scheduler) enqueue(t task) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrShutdown
	}
	if s.numTasks >= s.cfg.MaxQueuedTasks {
		s.mu.Unlock()
		s.metrics.tasksRejected.Inc()
		return ErrTooManyTasks
	}
	s.numTasks++
	heap.Push(&s.pending, t)
	s.metrics.queueDepth.Set(float64(len(s.pending)))
	s.mu.Unlock()
	s.notify()
	return nil
}

// run blocks until ctx is cancelled, then waits for the dispatcher and all
// workers to exit and fails whatever is still queued.
func (s *scheduler) run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.dispatch(ctx)
	}()
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	s.shutdown()
}

func (s *scheduler) dispatch(ctx context.Context) {
	for {
		var (
			next    task
			waitFor time.Duration
		)
		s.mu.Lock()
		if len(s.pending) > 0 {
			if d := s.pending[0].readyAt().Sub(s.clock.Now()); d <= 0 {
				next = heap.Pop(&s.pending).(task)
				s.metrics.queueDepth.Set(float64(len(s.pending)))
			} else {
				waitFor = d
			}
		}
		s.mu.Unlock()

		if next != nil {
			select {
			case s.workCh <- next:
			case <-ctx.Done():
				next.fail(ErrShutdown)
				s.finish(next)
				return
			}
			continue
		}

		if waitFor > 0 {
			timer := s.clock.NewTimer(waitFor)
			select {
			case <-timer.C:
			case <-s.wake:
				timer.Stop()
			case <-ctx.Done():
				timer.Stop()
				return
			}
			continue
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			return
		}
	}
}

func (s *scheduler) worker(ctx context.Context) {
	for {
		select {
		case t := <-s.workCh:
			s.runTask(ctx, t)
		case <-ctx.Done():
			return
		}
	}
}

func (s *scheduler) runTask(ctx context.Context, t task) {
	inst := t.instance()

	// Another task, a delete or the expiration sweep holds the instance.
	// Put the task back and let it try again after one poll interval.
	if !inst.tryAcquire() {
		s.metrics.taskContention.Inc()
		level.Debug(s.logger).Log("msg", "instance busy, task requeued",
			"group", inst.group, "instance", inst.id, "kind", t.kind())
		s.requeue(t, s.clock.Now().Add(s.cfg.IteratorTimeout))
		return
	}

	if inst.isClosed() {
		inst.release()
		t.fail(errInstanceNotFound(inst.group, inst.id))
		s.finish(t)
		return
	}

	start := s.clock.Now()
	done, next := t.round(ctx, s.clock)
	s.metrics.roundDuration.Observe(s.clock.Since(start).Seconds())
	if done && t.terminalErr() == nil {
		inst.touch(s.clock.Now())
	}
	inst.release()

	if done {
		s.finish(t)
		return
	}
	s.requeue(t, next)
}

// requeue puts a non-terminal task back into the heap with a new ready time.
func (s *scheduler) requeue(t task, at time.Time) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		t.fail(ErrShutdown)
		s.finish(t)
		return
	}
	t.setReadyAt(at)
	heap.Push(&s.pending, t)
	s.metrics.queueDepth.Set(float64(len(s.pending)))
	s.mu.Unlock()
	s.notify()
}

// finish accounts for a task that reached a terminal state.
func (s *scheduler) finish(t task) {
	s.mu.Lock()
	s.numTasks--
	s.mu.Unlock()
	s.observeTerminal(t)
}

func (s *scheduler) observeTerminal(t task) {
	s.metrics.tasksCompleted.WithLabelValues(t.kind(), outcomeLabel(t.terminalErr())).Inc()
	s.metrics.taskRounds.WithLabelValues(t.kind()).Observe(float64(t.rounds()))
}

func (s *scheduler) shutdown() {
	s.mu.Lock()
	s.stopped = true
	remaining := s.pending
	s.pending = nil
	s.numTasks -= len(remaining)
	s.metrics.queueDepth.Set(0)
	s.mu.Unlock()
	if len(remaining) > 0 {
		level.Info(s.logger).Log("msg", "failing queued tasks on shutdown", "tasks", len(remaining))
	}
	for _, t := range remaining {
		t.fail(ErrShutdown)
		s.observeTerminal(t)
	}
}

func (s *scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *scheduler) queueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBroker):
		return "broker_error"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	default:
		return "error"
	}
}
