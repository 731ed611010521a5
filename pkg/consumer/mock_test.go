package consumer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// delivery is a batch of records that becomes available on a topic at a
// fixed point in time.
type delivery struct {
	at      time.Time
	topic   string
	records []Record
}

// mockBroker is a scriptable BrokerConsumer. Deliveries are scheduled at
// absolute times; a poll that would block until a due delivery advances the
// mock clock to the delivery instead of sleeping, so tests can verify the
// exact timing of the read protocol. With a nil clock it never advances
// time and only past-due deliveries are returned, which is the mode used by
// tests running on the real clock.
type mockBroker struct {
	clock *quartz.Mock

	mtx        sync.Mutex
	deliveries []delivery
	consumed   map[string]map[int32]int64
	waits      []time.Duration
	polls      int
	commits    int
	closeCalls int
	closed     bool

	pollErr   error
	eof       bool
	pollDelay time.Duration
	closeErr  error
	commitErr error

	inPoll    int
	maxInPoll int
}

func (b *mockBroker) schedule(at time.Time, topic string, records ...Record) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.deliveries = append(b.deliveries, delivery{at: at, topic: topic, records: records})
	sort.SliceStable(b.deliveries, func(i, j int) bool {
		return b.deliveries[i].at.Before(b.deliveries[j].at)
	})
}

func (b *mockBroker) Poll(_ context.Context, topic string, wait time.Duration, max int) ([]Record, error) {
	b.mtx.Lock()
	b.polls++
	b.waits = append(b.waits, wait)
	b.inPoll++
	if b.inPoll > b.maxInPoll {
		b.maxInPoll = b.inPoll
	}
	delay := b.pollDelay
	b.mtx.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	b.mtx.Lock()
	defer func() {
		b.inPoll--
		b.mtx.Unlock()
	}()

	if b.pollErr != nil {
		return nil, b.pollErr
	}

	now := time.Now()
	if b.clock != nil {
		now = b.clock.Now()
	}
	deadline := now.Add(wait)
	for i := range b.deliveries {
		d := &b.deliveries[i]
		if d.topic != topic || d.at.After(deadline) {
			continue
		}
		if b.clock == nil && d.at.After(now) {
			continue
		}
		if b.clock != nil && d.at.After(now) {
			b.clock.Advance(d.at.Sub(now))
		}
		records := d.records
		if len(records) > max {
			records = records[:max]
			d.records = d.records[max:]
		} else {
			b.deliveries = append(b.deliveries[:i], b.deliveries[i+1:]...)
		}
		b.markConsumed(topic, records)
		return records, nil
	}

	if b.eof {
		return nil, ErrEndOfStream
	}
	if b.clock != nil {
		b.clock.Advance(wait)
	}
	return nil, nil
}

func (b *mockBroker) markConsumed(topic string, records []Record) {
	if b.consumed == nil {
		b.consumed = make(map[string]map[int32]int64)
	}
	if b.consumed[topic] == nil {
		b.consumed[topic] = make(map[int32]int64)
	}
	for _, r := range records {
		b.consumed[topic][r.Partition] = r.Offset
	}
}

// Commit returns one entry per partition consumed since the previous commit,
// ordered by topic then partition.
func (b *mockBroker) Commit(_ context.Context) ([]TopicPartitionOffset, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.commits++
	if b.commitErr != nil {
		return nil, b.commitErr
	}
	var out []TopicPartitionOffset
	for topic, partitions := range b.consumed {
		for partition, offset := range partitions {
			out = append(out, TopicPartitionOffset{Topic: topic, Partition: partition, Offset: offset})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	b.consumed = nil
	return out, nil
}

func (b *mockBroker) Close() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.closeCalls++
	b.closed = true
	return b.closeErr
}

func (b *mockBroker) pollWaits() []time.Duration {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	out := make([]time.Duration, len(b.waits))
	copy(out, b.waits)
	return out
}

func (b *mockBroker) maxConcurrentPolls() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.maxInPoll
}

func (b *mockBroker) isClosed() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.closed
}

// mockFactory hands out mockBrokers. The prepare hook lets a test script
// each broker before the instance starts using it.
type mockFactory struct {
	clock   *quartz.Mock
	err     error
	prepare func(*mockBroker)

	mtx     sync.Mutex
	created []*mockBroker
}

func (f *mockFactory) Create(_ context.Context, _ string, _ InstanceConfig) (BrokerConsumer, error) {
	if f.err != nil {
		return nil, f.err
	}
	b := &mockBroker{clock: f.clock}
	if f.prepare != nil {
		f.prepare(b)
	}
	f.mtx.Lock()
	f.created = append(f.created, b)
	f.mtx.Unlock()
	return b, nil
}

func (f *mockFactory) broker(i int) *mockBroker {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.created[i]
}

type mockOracle struct {
	mtx    sync.Mutex
	exists map[string]bool
	err    error
	calls  int
}

func (o *mockOracle) TopicExists(_ context.Context, topic string) (bool, error) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.calls++
	if o.err != nil {
		return false, o.err
	}
	return o.exists[topic], nil
}

func makeRecords(partition int32, baseOffset int64, n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{
			Key:       []byte(fmt.Sprintf("key-%d", baseOffset+int64(i))),
			Value:     []byte(fmt.Sprintf("value-%d", baseOffset+int64(i))),
			Partition: partition,
			Offset:    baseOffset + int64(i),
		}
	}
	return out
}
