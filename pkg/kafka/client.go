package kafka

import (
	"context"
	"math"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/plugin/kotel"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// NewClientMetrics returns the kprom metrics hooks for the Kafka clients of
// one component. The underlying collectors are registered at creation, so a
// component must create its metrics once and share them across its clients.
func NewClientMetrics(component string, reg prometheus.Registerer) *kprom.Metrics {
	return kprom.NewMetrics("kafgate_kafka",
		kprom.Registerer(prometheus.WrapRegistererWith(prometheus.Labels{"component": component}, reg)),
		kprom.FetchAndProduceDetail(kprom.Batches, kprom.Records, kprom.CompressedBytes, kprom.UncompressedBytes))
}

// commonClientOptions returns the options shared by every client the gateway
// opens, regardless of whether it consumes or produces.
func commonClientOptions(cfg Config, metrics *kprom.Metrics, logger log.Logger) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.ClientID(cfg.ClientID),
		kgo.SeedBrokers(cfg.Address),
		kgo.DialTimeout(cfg.DialTimeout),

		// MetadataMinAge() sets the minimum time between two cluster metadata
		// updates due to events, MetadataMaxAge() how frequently the periodic
		// update should occur. The periodic update is also how new brokers
		// are discovered, so it has to run frequently. Min and max are set to
		// the same value to keep the metadata request load on the backend
		// constant, with or without errors.
		kgo.MetadataMinAge(10 * time.Second),
		kgo.MetadataMaxAge(10 * time.Second),

		kgo.WithLogger(newLogger(logger)),
	}

	// SASL plain auth.
	if cfg.SASLUsername != "" && cfg.SASLPassword.String() != "" {
		opts = append(opts, kgo.SASL(plain.Plain(func(_ context.Context) (plain.Auth, error) {
			return plain.Auth{
				User: cfg.SASLUsername,
				Pass: cfg.SASLPassword.String(),
			}, nil
		})))
	}

	if cfg.AutoCreateTopicEnabled {
		opts = append(opts, kgo.AllowAutoTopicCreation())
	}

	tracer := kotel.NewTracer(
		kotel.TracerPropagator(propagation.NewCompositeTextMapPropagator(onlySampledTraces{propagation.TraceContext{}})),
	)
	opts = append(opts, kgo.WithHooks(kotel.NewKotel(kotel.WithTracer(tracer)).Hooks()...))

	if metrics != nil {
		opts = append(opts, kgo.WithHooks(metrics))
	}

	return opts
}

// consumerClientOptions returns the options for a client that consumes from
// Kafka on behalf of one consumer instance. fetchMaxWait bounds how long the
// broker holds a fetch open waiting for data, and is set to the poll wait of
// a read round so fetches come back within the round.
func consumerClientOptions(fetchMaxWait time.Duration) []kgo.Opt {
	fetchMaxBytes := int32(100_000_000)
	return []kgo.Opt{
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(fetchMaxBytes),
		kgo.FetchMaxWait(fetchMaxWait),
		kgo.FetchMaxPartitionBytes(50_000_000),
		kgo.BrokerMaxReadBytes(2 * fetchMaxBytes),
	}
}

// NewProducerClient returns the kgo.Client used by the produce endpoint.
func NewProducerClient(cfg Config, logger log.Logger, reg prometheus.Registerer) (*kgo.Client, error) {
	compression, err := compressionCodec(cfg.ProducerCompression)
	if err != nil {
		return nil, err
	}

	metrics := NewClientMetrics("producer", reg)
	opts := append(
		commonClientOptions(cfg, metrics, logger),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(compression),

		// Records carry a partition when the produce request names one and
		// fall back to key hashing otherwise.
		kgo.RecordPartitioner(producePartitioner{fallback: kgo.StickyKeyPartitioner(nil)}),

		// Set the upper bounds the size of a record batch.
		kgo.ProducerBatchMaxBytes(producerBatchMaxBytes),

		// By default, the Kafka client allows 1 Produce in-flight request per
		// broker. Disabling write idempotency (which we don't need), we can
		// increase the max number of in-flight Produce requests per broker.
		// Combined with client side buffering ("linger"), this reduces the
		// end-to-end produce latency.
		kgo.DisableIdempotentWrite(),
		kgo.ProducerLinger(cfg.ProducerLinger),
		kgo.MaxProduceRequestsInflightPerBroker(cfg.ProducerMaxInflight),

		// Unlimited number of Produce retries but a deadline on the max time
		// a record can take to be delivered. With the default config it would
		// retry infinitely.
		kgo.RecordRetries(math.MaxInt),
		kgo.RecordDeliveryTimeout(cfg.WriteTimeout),
		kgo.ProduceRequestTimeout(cfg.WriteTimeout),
		kgo.RequestTimeoutOverhead(2 * time.Second),

		// Unlimited number of buffered records, the Producer enforces its own
		// bytes limit. The reason why we don't use kgo.MaxBufferedBytes() is
		// because it suffers a deadlock issue:
		// https://github.com/twmb/franz-go/issues/777
		kgo.MaxBufferedRecords(math.MaxInt),
		kgo.MaxBufferedBytes(0),
	)

	return kgo.NewClient(opts...)
}

type onlySampledTraces struct {
	propagation.TextMapPropagator
}

func (o onlySampledTraces) Inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsSampled() {
		return
	}
	o.TextMapPropagator.Inject(ctx, carrier)
}

// producePartitioner honors the partition already set on a record and
// delegates records without one to the fallback partitioner.
type producePartitioner struct {
	fallback kgo.Partitioner
}

func (p producePartitioner) ForTopic(topic string) kgo.TopicPartitioner {
	return produceTopicPartitioner{fallback: p.fallback.ForTopic(topic)}
}

type produceTopicPartitioner struct {
	fallback kgo.TopicPartitioner
}

func (p produceTopicPartitioner) RequiresConsistency(r *kgo.Record) bool {
	return r.Partition >= 0 || p.fallback.RequiresConsistency(r)
}

func (p produceTopicPartitioner) Partition(r *kgo.Record, n int) int {
	if r.Partition >= 0 {
		return int(r.Partition)
	}
	return p.fallback.Partition(r, n)
}
