// Package testkafka provides an in-process fake Kafka cluster for tests.
package testkafka

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
)

// CreateCluster returns a fake Kafka cluster with the given topics seeded,
// and its listen address. The cluster is shut down when the test ends.
func CreateCluster(t testing.TB, partitions int32, topics ...string) (*kfake.Cluster, string) {
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(partitions, topics...))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	addrs := cluster.ListenAddrs()
	require.Len(t, addrs, 1)

	return cluster, addrs[0]
}
