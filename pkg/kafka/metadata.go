package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// MetadataClient answers topic existence lookups against the cluster
// metadata. Positive answers are cached with a TTL. Negative answers are
// not cached, so a topic created after a miss is visible on the next
// lookup.
type MetadataClient struct {
	client *kgo.Client
	admin  *kadm.Client
	logger log.Logger
	cache  *expirable.LRU[string, struct{}]
}

func NewMetadataClient(cfg Config, logger log.Logger, reg prometheus.Registerer) (*MetadataClient, error) {
	// An existence probe must not create the topic it probes for.
	cfg.AutoCreateTopicEnabled = false

	metrics := NewClientMetrics("metadata", reg)
	client, err := kgo.NewClient(commonClientOptions(cfg, metrics, logger)...)
	if err != nil {
		return nil, err
	}
	return &MetadataClient{
		client: client,
		admin:  kadm.NewClient(client),
		logger: logger,
		cache:  expirable.NewLRU[string, struct{}](cfg.TopicMetadataCacheSize, nil, cfg.TopicMetadataTTL),
	}, nil
}

// TopicExists implements consumer.TopicOracle. A metadata request failure is
// reported as an error, never as the topic not existing.
func (c *MetadataClient) TopicExists(ctx context.Context, topic string) (bool, error) {
	if _, ok := c.cache.Get(topic); ok {
		return true, nil
	}

	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: time.Second,
		MaxRetries: 3,
	})
	var lastErr error
	for boff.Ongoing() {
		topics, err := c.admin.ListTopics(ctx, topic)
		if err != nil {
			level.Warn(c.logger).Log("msg", "failed to look up topic metadata", "topic", topic, "err", err)
			lastErr = err
			boff.Wait()
			continue
		}
		if !topics.Has(topic) {
			return false, nil
		}
		c.cache.Add(topic, struct{}{})
		return true, nil
	}
	if lastErr == nil {
		lastErr = boff.Err()
	}
	return false, fmt.Errorf("looking up topic %s: %w", topic, lastErr)
}

func (c *MetadataClient) Close() {
	c.client.Close()
}
