package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/coder/quartz"
)

// A task is one deferred operation against an instance. Tasks run in rounds:
// a worker holding the instance slot runs one round, and either the task
// reaches its terminal state or it re-enters the queue for a later round.
type task interface {
	instance() *instance
	kind() string

	readyAt() time.Time
	setReadyAt(t time.Time)

	// round runs one scheduling round. The caller must hold the instance
	// slot. It reports whether the task completed and, if not, when its
	// next round should run.
	round(ctx context.Context, clock quartz.Clock) (done bool, next time.Time)

	// fail completes the task with err without running a round.
	fail(err error)

	// terminalErr returns the error the task completed with, nil for a
	// successful completion. Only valid after the task completed.
	terminalErr() error

	// rounds returns how many rounds the task ran.
	rounds() int
}

// readTask accumulates records from one topic until it has max records, its
// time budget is spent, or the stream ends. Partial results are a success.
type readTask struct {
	inst    *instance
	topic   string
	max     int
	quantum time.Duration

	// deadline is the absolute end of the request time budget. A round
	// starting at or after it completes the task with the records read
	// so far.
	deadline time.Time

	records  []Record
	numRound int
	ready    time.Time
	err      error

	cb  ReadCallback
	fut *ReadFuture
}

func newReadTask(inst *instance, topic string, max int, quantum time.Duration, deadline, now time.Time, cb ReadCallback) *readTask {
	return &readTask{
		inst:     inst,
		topic:    topic,
		max:      max,
		quantum:  quantum,
		deadline: deadline,
		ready:    now,
		cb:       cb,
		fut:      newFuture[[]Record](),
	}
}

func (t *readTask) instance() *instance     { return t.inst }
func (t *readTask) kind() string            { return "read" }
func (t *readTask) readyAt() time.Time      { return t.ready }
func (t *readTask) setReadyAt(ts time.Time) { t.ready = ts }
func (t *readTask) terminalErr() error      { return t.err }
func (t *readTask) rounds() int             { return t.numRound }

func (t *readTask) round(ctx context.Context, clock quartz.Clock) (bool, time.Time) {
	now := clock.Now()
	if !now.Before(t.deadline) {
		t.complete(t.records, nil)
		return true, time.Time{}
	}
	t.numRound++

	wait := t.quantum
	if remaining := t.deadline.Sub(now); remaining < wait {
		wait = remaining
	}
	records, err := t.inst.poll(ctx, t.topic, wait, t.max-len(t.records), now)
	t.records = append(t.records, records...)
	switch {
	case errors.Is(err, ErrEndOfStream) || errors.Is(err, context.Canceled):
		// The stream is over, deliver what was read.
		t.complete(t.records, nil)
		return true, time.Time{}
	case err != nil:
		t.complete(nil, wrapBrokerError(err))
		return true, time.Time{}
	case len(t.records) >= t.max:
		t.complete(t.records, nil)
		return true, time.Time{}
	}
	return false, clock.Now().Add(t.quantum)
}

func (t *readTask) fail(err error) {
	t.complete(nil, err)
}

func (t *readTask) complete(records []Record, err error) {
	if !t.fut.resolve(records, err) {
		return
	}
	t.err = err
	if t.cb != nil {
		t.cb(records, err)
	}
}

// commitTask commits the consumed offsets of an instance. It always
// completes in its first round.
type commitTask struct {
	inst     *instance
	numRound int
	ready    time.Time
	err      error

	cb  CommitCallback
	fut *CommitFuture
}

func newCommitTask(inst *instance, now time.Time, cb CommitCallback) *commitTask {
	return &commitTask{
		inst:  inst,
		ready: now,
		cb:    cb,
		fut:   newFuture[[]TopicPartitionOffset](),
	}
}

func (t *commitTask) instance() *instance     { return t.inst }
func (t *commitTask) kind() string            { return "commit" }
func (t *commitTask) readyAt() time.Time      { return t.ready }
func (t *commitTask) setReadyAt(ts time.Time) { t.ready = ts }
func (t *commitTask) terminalErr() error      { return t.err }
func (t *commitTask) rounds() int             { return t.numRound }

func (t *commitTask) round(ctx context.Context, _ quartz.Clock) (bool, time.Time) {
	t.numRound++
	offsets, err := t.inst.commit(ctx)
	if err != nil {
		t.complete(nil, wrapBrokerError(err))
	} else {
		t.complete(offsets, nil)
	}
	return true, time.Time{}
}

func (t *commitTask) fail(err error) {
	t.complete(nil, err)
}

func (t *commitTask) complete(offsets []TopicPartitionOffset, err error) {
	if !t.fut.resolve(offsets, err) {
		return
	}
	t.err = err
	if t.cb != nil {
		t.cb(offsets, err)
	}
}
