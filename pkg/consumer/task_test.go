package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
)

// driveTask runs rounds back to back the way a perfectly prompt worker
// would, advancing the mock clock to each requeue time.
func driveTask(ctx context.Context, clock *quartz.Mock, tk task) {
	for {
		done, next := tk.round(ctx, clock)
		if done {
			return
		}
		if d := next.Sub(clock.Now()); d > 0 {
			clock.Advance(d)
		}
	}
}

// Records appear on the topic 50ms in, well under maxRecords. The task must
// keep polling for more until the request timeout passes, and the final
// requeue lands one poll interval after it.
func TestReadTask_WaitsOutFullBudgetForMoreRecords(t *testing.T) {
	clock := quartz.NewMock(t)
	broker := &mockBroker{clock: clock}
	inst := newInstance("testgroup", "c1", InstanceConfig{}, broker, clock.Now())

	start := clock.Now()
	broker.schedule(start.Add(50*time.Millisecond), "events", makeRecords(0, 0, 3)...)

	tk := newReadTask(inst, "events", 10, 100*time.Millisecond, start.Add(time.Second), start, nil)
	driveTask(context.Background(), clock, tk)

	records, err := tk.fut.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, makeRecords(0, 0, 3), records)
	require.Equal(t, 1100*time.Millisecond, clock.Since(start))
	require.Equal(t, 6, tk.rounds())
	// Every poll window is one quantum except the last, which is capped by
	// the time left in the budget.
	require.Equal(t, []time.Duration{
		100 * time.Millisecond,
		100 * time.Millisecond,
		100 * time.Millisecond,
		100 * time.Millisecond,
		100 * time.Millisecond,
		50 * time.Millisecond,
	}, broker.pollWaits())
}

// An idle topic is a normal outcome: the task completes empty once the
// budget is spent, without an error. Each round spends one quantum polling
// and one quantum queued, so the final requeue lands exactly on the deadline
// and the task completes at the request timeout boundary.
func TestReadTask_CompletesEmptyWhenIdle(t *testing.T) {
	clock := quartz.NewMock(t)
	broker := &mockBroker{clock: clock}
	inst := newInstance("testgroup", "c1", InstanceConfig{}, broker, clock.Now())

	start := clock.Now()
	tk := newReadTask(inst, "events", 10, 100*time.Millisecond, start.Add(time.Second), start, nil)
	driveTask(context.Background(), clock, tk)

	records, err := tk.fut.Wait(context.Background())
	require.NoError(t, err)
	require.Empty(t, records)
	require.Equal(t, 5, tk.rounds())
	require.Equal(t, time.Second, clock.Since(start))
}

// A read that reaches maxRecords finishes without waiting out the budget.
func TestReadTask_CompletesEarlyAtMaxRecords(t *testing.T) {
	clock := quartz.NewMock(t)
	broker := &mockBroker{clock: clock}
	inst := newInstance("testgroup", "c1", InstanceConfig{}, broker, clock.Now())

	start := clock.Now()
	broker.schedule(start.Add(10*time.Millisecond), "events", makeRecords(0, 0, 3)...)

	tk := newReadTask(inst, "events", 3, 100*time.Millisecond, start.Add(time.Second), start, nil)
	driveTask(context.Background(), clock, tk)

	records, err := tk.fut.Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, 1, tk.rounds())
	require.Equal(t, 10*time.Millisecond, clock.Since(start))
}

// maxRecords caps a poll mid batch and records accumulate across rounds in
// delivery order.
func TestReadTask_AccumulatesAcrossRoundsUpToMax(t *testing.T) {
	clock := quartz.NewMock(t)
	broker := &mockBroker{clock: clock}
	inst := newInstance("testgroup", "c1", InstanceConfig{}, broker, clock.Now())

	start := clock.Now()
	broker.schedule(start.Add(50*time.Millisecond), "events", makeRecords(0, 0, 3)...)
	broker.schedule(start.Add(120*time.Millisecond), "events", makeRecords(0, 3, 3)...)

	tk := newReadTask(inst, "events", 5, 100*time.Millisecond, start.Add(time.Second), start, nil)
	driveTask(context.Background(), clock, tk)

	records, err := tk.fut.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, makeRecords(0, 0, 5), records)
	require.Equal(t, 2, tk.rounds())
	require.Equal(t, 150*time.Millisecond, clock.Since(start))
}

// End of stream means there is nothing more to wait for: the task delivers
// what it has as a success.
func TestReadTask_EndOfStreamCompletesWithPartialResult(t *testing.T) {
	clock := quartz.NewMock(t)
	broker := &mockBroker{clock: clock, eof: true}
	inst := newInstance("testgroup", "c1", InstanceConfig{}, broker, clock.Now())

	start := clock.Now()
	broker.schedule(start.Add(30*time.Millisecond), "events", makeRecords(0, 0, 2)...)

	tk := newReadTask(inst, "events", 10, 100*time.Millisecond, start.Add(time.Second), start, nil)
	driveTask(context.Background(), clock, tk)

	records, err := tk.fut.Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, 130*time.Millisecond, clock.Since(start))
}

func TestReadTask_BrokerErrorFailsTask(t *testing.T) {
	clock := quartz.NewMock(t)
	broker := &mockBroker{clock: clock, pollErr: errors.New("connection reset")}
	inst := newInstance("testgroup", "c1", InstanceConfig{}, broker, clock.Now())

	var (
		cbRecords []Record
		cbErr     error
	)
	cb := func(records []Record, err error) {
		cbRecords = records
		cbErr = err
	}

	start := clock.Now()
	tk := newReadTask(inst, "events", 10, 100*time.Millisecond, start.Add(time.Second), start, cb)
	driveTask(context.Background(), clock, tk)

	records, err := tk.fut.Wait(context.Background())
	require.ErrorIs(t, err, ErrBroker)
	require.Nil(t, records)
	require.ErrorIs(t, cbErr, ErrBroker)
	require.Nil(t, cbRecords)
	require.Equal(t, 1, tk.rounds())
}

// Callback and future observe the identical result.
func TestReadTask_CallbackMatchesFuture(t *testing.T) {
	clock := quartz.NewMock(t)
	broker := &mockBroker{clock: clock}
	inst := newInstance("testgroup", "c1", InstanceConfig{}, broker, clock.Now())

	start := clock.Now()
	broker.schedule(start, "events", makeRecords(0, 0, 3)...)

	var cbRecords []Record
	cb := func(records []Record, err error) {
		require.NoError(t, err)
		cbRecords = records
	}

	tk := newReadTask(inst, "events", 3, 100*time.Millisecond, start.Add(time.Second), start, cb)
	driveTask(context.Background(), clock, tk)

	records, err := tk.fut.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, records, cbRecords)
}

func TestCommitTask_ReturnsConsumedOffsets(t *testing.T) {
	clock := quartz.NewMock(t)
	broker := &mockBroker{clock: clock}
	inst := newInstance("testgroup", "c1", InstanceConfig{}, broker, clock.Now())

	// Consume 3 records on one partition, then commit.
	broker.schedule(clock.Now(), "events", makeRecords(0, 0, 3)...)
	_, err := inst.poll(context.Background(), "events", 10*time.Millisecond, 10, clock.Now())
	require.NoError(t, err)

	tk := newCommitTask(inst, clock.Now(), nil)
	driveTask(context.Background(), clock, tk)

	offsets, err := tk.fut.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, []TopicPartitionOffset{{Topic: "events", Partition: 0, Offset: 2}}, offsets)
	require.Equal(t, 1, tk.rounds())

	// A second commit has nothing new to report.
	tk2 := newCommitTask(inst, clock.Now(), nil)
	driveTask(context.Background(), clock, tk2)
	offsets, err = tk2.fut.Wait(context.Background())
	require.NoError(t, err)
	require.Empty(t, offsets)
}

func TestCommitTask_BrokerErrorFailsTask(t *testing.T) {
	clock := quartz.NewMock(t)
	broker := &mockBroker{clock: clock, commitErr: errors.New("not coordinator")}
	inst := newInstance("testgroup", "c1", InstanceConfig{}, broker, clock.Now())

	tk := newCommitTask(inst, clock.Now(), nil)
	driveTask(context.Background(), clock, tk)

	offsets, err := tk.fut.Wait(context.Background())
	require.ErrorIs(t, err, ErrBroker)
	require.Nil(t, offsets)
}
