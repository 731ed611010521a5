// Package consumer implements the consumer session manager of the gateway.
// It owns the lifecycle of broker consumer instances created over the REST
// API and schedules their read and commit operations on a fixed worker pool,
// so that an arbitrary number of HTTP-driven consumers map onto a bounded
// amount of broker-facing work.
package consumer

import (
	"context"
	"time"
)

// Record is a single record read from a topic, in delivery order.
type Record struct {
	Key       []byte
	Value     []byte
	Partition int32
	Offset    int64
}

// TopicPartitionOffset reports the committed offset for one partition.
type TopicPartitionOffset struct {
	Topic     string
	Partition int32
	Offset    int64
}

// Recognized embedded formats for instance payloads. The format does not
// change how records are read, only how the API layer encodes them.
const (
	FormatBinary = "binary"
	FormatJSON   = "json"
)

// Recognized auto.offset.reset policies.
const (
	ResetEarliest = "earliest"
	ResetLatest   = "latest"
)

// InstanceConfig carries the creation-time options of a consumer instance.
// The zero value is valid and resolves to defaults.
type InstanceConfig struct {
	// ID overrides the generated instance id. It must be unique within the
	// consumer group.
	ID string

	// Name is a human readable label, used only for logging.
	Name string

	// Format is the embedded format of record keys and values, one of
	// FormatBinary (default) or FormatJSON.
	Format string

	// AutoOffsetReset is the position to start reading from when the group
	// has no committed offset, one of ResetLatest (default) or ResetEarliest.
	AutoOffsetReset string

	// AutoCommit enables periodic offset auto commit in the broker client.
	// When false, offsets are only committed through CommitOffsets.
	AutoCommit bool
}

func (c InstanceConfig) withDefaults() InstanceConfig {
	if c.Format == "" {
		c.Format = FormatBinary
	}
	if c.AutoOffsetReset == "" {
		c.AutoOffsetReset = ResetLatest
	}
	return c
}

func (c InstanceConfig) validate() error {
	switch c.Format {
	case FormatBinary, FormatJSON:
	default:
		return errUnknownFormat(c.Format)
	}
	switch c.AutoOffsetReset {
	case ResetEarliest, ResetLatest:
	default:
		return errUnknownReset(c.AutoOffsetReset)
	}
	return nil
}

// ReadCallback is invoked exactly once with the terminal result of a read.
// A read that runs out of time budget is not an error: the callback receives
// whatever records accumulated, possibly none.
type ReadCallback func(records []Record, err error)

// CommitCallback is invoked exactly once with the terminal result of an
// offset commit.
type CommitCallback func(offsets []TopicPartitionOffset, err error)

// TopicOracle answers whether a topic exists. A lookup failure is reported
// as an error, never as the topic not existing.
type TopicOracle interface {
	TopicExists(ctx context.Context, topic string) (bool, error)
}

// BrokerConsumer is the broker-facing handle owned by a single instance.
// Implementations do not need to be safe for concurrent use: the scheduler
// guarantees at most one in-flight call per handle.
type BrokerConsumer interface {
	// Poll returns up to max records from topic, waiting at most wait for
	// data to arrive. Returning no records with a nil error means the wait
	// elapsed. Returning ErrEndOfStream means no more data will ever be
	// delivered for this handle.
	Poll(ctx context.Context, topic string, wait time.Duration, max int) ([]Record, error)

	// Commit commits all offsets consumed since the previous commit, across
	// every topic read through this handle, and returns one entry per
	// partition touched.
	Commit(ctx context.Context) ([]TopicPartitionOffset, error)

	// Close releases the broker-side resources of the handle.
	Close() error
}

// BrokerFactory creates one BrokerConsumer per instance. Implementations
// report rejected configurations by wrapping ErrInvalidConfig.
type BrokerFactory interface {
	Create(ctx context.Context, group string, cfg InstanceConfig) (BrokerConsumer, error)
}
