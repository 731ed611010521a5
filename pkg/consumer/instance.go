package consumer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
)

type instanceKey struct {
	group string
	id    string
}

// instance is the state of one consumer instance. The broker handle and the
// per-topic state are only touched while holding the slot, which admits a
// single holder at a time: a worker running a task round, the delete path,
// or the expiration sweep.
type instance struct {
	group     string
	id        string
	cfg       InstanceConfig
	handle    BrokerConsumer
	createdAt time.Time

	// slot is the exclusivity token. Send to acquire, receive to release.
	slot chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	// lastAccessed is the unix nano timestamp of the last successful task
	// completion, or the creation time.
	lastAccessed atomic.Int64

	// topics is created lazily per topic on its first read. Guarded by slot.
	topics map[string]*topicState
}

type topicState struct {
	firstRead  time.Time
	records    int64
	sizeBytes  int64
	partitions map[int32]int64 // highest delivered offset per partition
}

func newInstance(group, id string, cfg InstanceConfig, handle BrokerConsumer, now time.Time) *instance {
	i := &instance{
		group:     group,
		id:        id,
		cfg:       cfg,
		handle:    handle,
		createdAt: now,
		slot:      make(chan struct{}, 1),
		topics:    make(map[string]*topicState),
	}
	i.lastAccessed.Store(now.UnixNano())
	return i
}

func (i *instance) key() instanceKey {
	return instanceKey{group: i.group, id: i.id}
}

// tryAcquire attempts to take the slot without blocking.
func (i *instance) tryAcquire() bool {
	select {
	case i.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

// acquire blocks until the slot is free or ctx is done.
func (i *instance) acquire(ctx context.Context) error {
	select {
	case i.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *instance) release() {
	<-i.slot
}

func (i *instance) isClosed() bool {
	return i.closed.Load()
}

// close marks the instance closed and closes the broker handle. The caller
// must hold the slot so no task round can be in flight.
func (i *instance) close() error {
	i.closed.Store(true)
	i.closeOnce.Do(func() {
		i.closeErr = i.handle.Close()
	})
	return i.closeErr
}

func (i *instance) touch(now time.Time) {
	i.lastAccessed.Store(now.UnixNano())
}

func (i *instance) lastAccessedTime() time.Time {
	return time.Unix(0, i.lastAccessed.Load())
}

// poll reads up to max records from topic through the broker handle and
// folds the result into the topic state. The caller must hold the slot.
func (i *instance) poll(ctx context.Context, topic string, wait time.Duration, max int, now time.Time) ([]Record, error) {
	state, ok := i.topics[topic]
	if !ok {
		state = &topicState{
			firstRead:  now,
			partitions: make(map[int32]int64),
		}
		i.topics[topic] = state
	}
	records, err := i.handle.Poll(ctx, topic, wait, max)
	for _, r := range records {
		state.records++
		state.sizeBytes += int64(len(r.Key) + len(r.Value))
		state.partitions[r.Partition] = r.Offset
	}
	return records, err
}

// commit commits the consumed offsets of every topic read through the
// handle. The caller must hold the slot.
func (i *instance) commit(ctx context.Context) ([]TopicPartitionOffset, error) {
	return i.handle.Commit(ctx)
}

// topicsRead returns the number of topics with iterator state. The caller
// must hold the slot.
func (i *instance) topicsRead() int {
	return len(i.topics)
}
