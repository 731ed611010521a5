package kafka

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"

	"github.com/kafgate/kafgate/pkg/consumer"
)

// instanceClientIDPattern matches the characters allowed in a Kafka client
// ID. Instance IDs become part of the client ID of the instance's client.
var instanceClientIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Factory opens one Kafka client per consumer instance.
type Factory struct {
	cfg          Config
	fetchMaxWait time.Duration
	logger       log.Logger
	metrics      *kprom.Metrics
}

// NewFactory returns a Factory creating clients connected to the brokers in
// cfg. fetchMaxWait should match the poll wait of a read round.
func NewFactory(cfg Config, fetchMaxWait time.Duration, logger log.Logger, reg prometheus.Registerer) *Factory {
	return &Factory{
		cfg:          cfg,
		fetchMaxWait: fetchMaxWait,
		logger:       logger,
		metrics:      NewClientMetrics("consumer", reg),
	}
}

// Create implements consumer.BrokerFactory.
func (f *Factory) Create(ctx context.Context, group string, cfg consumer.InstanceConfig) (consumer.BrokerConsumer, error) {
	if !instanceClientIDPattern.MatchString(cfg.ID) {
		return nil, fmt.Errorf("%w: instance ID %q contains characters not allowed in a Kafka client ID", consumer.ErrInvalidConfig, cfg.ID)
	}

	reset := kgo.NewOffset().AtEnd()
	if cfg.AutoOffsetReset == consumer.ResetEarliest {
		reset = kgo.NewOffset().AtStart()
	}

	opts := append(
		commonClientOptions(f.cfg, f.metrics, f.logger),
		consumerClientOptions(f.fetchMaxWait)...,
	)
	opts = append(opts,
		kgo.ClientID(f.cfg.ClientID+"-"+cfg.ID),
		kgo.ConsumerGroup(group),
		kgo.Balancers(kgo.CooperativeStickyBalancer()),
		kgo.ConsumeResetOffset(reset),
	)
	if !cfg.AutoCommit {
		opts = append(opts, kgo.DisableAutoCommit())
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging brokers: %w", err)
	}

	return newFranzConsumer(client, log.With(f.logger, "group", group, "instance", cfg.ID)), nil
}

// franzConsumer adapts a kgo.Client to the BrokerConsumer contract. The
// scheduler guarantees at most one in-flight call per handle, so no locking
// is needed.
//
// The client returns records for any subscribed topic from a single poll.
// Records for topics other than the polled one are parked in a per-topic
// buffer and served, in delivery order, by their own next Poll.
type franzConsumer struct {
	client *kgo.Client
	logger log.Logger

	subscribed map[string]struct{}
	buffered   map[string][]consumer.Record
}

func newFranzConsumer(client *kgo.Client, logger log.Logger) *franzConsumer {
	return &franzConsumer{
		client:     client,
		logger:     logger,
		subscribed: make(map[string]struct{}),
		buffered:   make(map[string][]consumer.Record),
	}
}

// Poll implements consumer.BrokerConsumer. The first poll of a topic adds it
// to the group subscription.
func (c *franzConsumer) Poll(ctx context.Context, topic string, wait time.Duration, max int) ([]consumer.Record, error) {
	if _, ok := c.subscribed[topic]; !ok {
		c.client.AddConsumeTopics(topic)
		c.subscribed[topic] = struct{}{}
		level.Debug(c.logger).Log("msg", "added topic to subscription", "topic", topic)
	}

	out := c.takeBuffered(topic, max)

	pollCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	for len(out) < max {
		fetches := c.client.PollRecords(pollCtx, max-len(out))
		if err := fetches.Err0(); err != nil {
			if errors.Is(err, kgo.ErrClientClosed) {
				return out, consumer.ErrEndOfStream
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// The poll wait elapsed before more records arrived.
				return out, nil
			}
			// Some other error occurred. It is collected per partition below.
		}
		var fetchErr error
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if p.Err != nil {
				if errors.Is(p.Err, context.Canceled) || errors.Is(p.Err, context.DeadlineExceeded) {
					return
				}
				level.Warn(c.logger).Log("msg", "failed to fetch records for topic partition", "topic", p.Topic, "partition", p.Partition, "err", p.Err)
				if fetchErr == nil {
					fetchErr = fmt.Errorf("%w: fetching topic %s partition %d: %w", consumer.ErrBroker, p.Topic, p.Partition, p.Err)
				}
				return
			}
			for _, r := range p.Records {
				rec := consumer.Record{Key: r.Key, Value: r.Value, Partition: r.Partition, Offset: r.Offset}
				if r.Topic == topic && len(out) < max {
					out = append(out, rec)
					continue
				}
				c.buffered[r.Topic] = append(c.buffered[r.Topic], rec)
			}
		})
		if fetchErr != nil {
			return out, fetchErr
		}
	}
	return out, nil
}

// takeBuffered removes and returns up to max parked records for topic.
func (c *franzConsumer) takeBuffered(topic string, max int) []consumer.Record {
	have := c.buffered[topic]
	if len(have) == 0 {
		return nil
	}
	if len(have) > max {
		c.buffered[topic] = have[max:]
		return have[:max:max]
	}
	delete(c.buffered, topic)
	return have
}

// Commit implements consumer.BrokerConsumer. It commits every offset
// consumed since the previous commit and reports the offset of the last
// consumed record per partition.
func (c *franzConsumer) Commit(ctx context.Context) ([]consumer.TopicPartitionOffset, error) {
	uncommitted := c.client.UncommittedOffsets()
	if len(uncommitted) == 0 {
		return nil, nil
	}
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		return nil, err
	}

	offsets := make([]consumer.TopicPartitionOffset, 0, len(uncommitted))
	for topic, partitions := range uncommitted {
		for partition, offset := range partitions {
			// Kafka commits the offset of the next record to consume, the
			// gateway reports the offset of the last consumed one.
			offsets = append(offsets, consumer.TopicPartitionOffset{
				Topic:     topic,
				Partition: partition,
				Offset:    offset.Offset - 1,
			})
		}
	}
	sort.Slice(offsets, func(i, j int) bool {
		if offsets[i].Topic != offsets[j].Topic {
			return offsets[i].Topic < offsets[j].Topic
		}
		return offsets[i].Partition < offsets[j].Partition
	})
	return offsets, nil
}

// Close implements consumer.BrokerConsumer. Closing the client leaves the
// consumer group.
func (c *franzConsumer) Close() error {
	c.client.Close()
	return nil
}
