package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/kafgate/kafgate/pkg/kafka/testkafka"
)

func TestMetadataClientTopicExists(t *testing.T) {
	_, addr := testkafka.CreateCluster(t, 1, "events")

	mc, err := NewMetadataClient(testConfig(addr), log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(mc.Close)

	exists, err := mc.TopicExists(context.Background(), "events")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = mc.TopicExists(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestMetadataClientCachesPositiveLookups(t *testing.T) {
	cluster, addr := testkafka.CreateCluster(t, 1, "events")

	mc, err := NewMetadataClient(testConfig(addr), log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(mc.Close)

	exists, err := mc.TopicExists(context.Background(), "events")
	require.NoError(t, err)
	require.True(t, exists)

	// With the cluster gone, the cached topic still resolves while an
	// uncached lookup reports an error rather than a missing topic.
	cluster.Close()

	exists, err = mc.TopicExists(context.Background(), "events")
	require.NoError(t, err)
	require.True(t, exists)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = mc.TopicExists(ctx, "uncached")
	require.Error(t, err)
}
