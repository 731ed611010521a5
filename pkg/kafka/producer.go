package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/atomic"
)

// Producer is a kgo.Client wrapper exposing some higher level features and
// metrics useful for the produce endpoint.
type Producer struct {
	*kgo.Client

	closeOnce *sync.Once
	closed    chan struct{}

	// Keep track of Kafka records size (bytes) currently in-flight in the
	// Kafka client. This counter is used to implement a limit on the max
	// buffered bytes.
	bufferedBytes *atomic.Int64

	// The max buffered bytes allowed. Once this limit is reached, produce
	// requests fail.
	maxBufferedBytes int64

	// The max size of a single record. Larger records fail without being
	// buffered.
	maxRecordSizeBytes int

	bufferedProduceBytes      prometheus.Summary
	bufferedProduceBytesLimit prometheus.Gauge
	produceRequestsTotal      prometheus.Counter
	produceFailuresTotal      *prometheus.CounterVec
}

// NewProducer returns a Producer wrapping client, enforcing the buffer and
// record size limits of cfg.
func NewProducer(client *kgo.Client, cfg Config, reg prometheus.Registerer) *Producer {
	producer := &Producer{
		Client:             client,
		closeOnce:          &sync.Once{},
		closed:             make(chan struct{}),
		bufferedBytes:      atomic.NewInt64(0),
		maxBufferedBytes:   cfg.ProducerMaxBufferedBytes,
		maxRecordSizeBytes: cfg.ProducerMaxRecordSizeBytes,

		bufferedProduceBytes: promauto.With(reg).NewSummary(
			prometheus.SummaryOpts{
				Namespace:  "kafgate",
				Name:       "producer_buffered_produce_bytes",
				Help:       "The buffered produce records in bytes. Quantile buckets keep track of buffered records size over the last 60s.",
				Objectives: map[float64]float64{0.5: 0.05, 0.99: 0.001, 1: 0.001},
				MaxAge:     time.Minute,
				AgeBuckets: 6,
			}),
		bufferedProduceBytesLimit: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "kafgate",
				Name:      "producer_buffered_produce_bytes_limit",
				Help:      "The bytes limit on buffered produce records. Produce requests fail once this limit is reached.",
			}),
		produceRequestsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "kafgate",
			Name:      "producer_produce_requests_total",
			Help:      "Total number of produce requests issued to Kafka.",
		}),
		produceFailuresTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "kafgate",
			Name:      "producer_produce_failures_total",
			Help:      "Total number of failed produce requests issued to Kafka.",
		}, []string{"reason"}),
	}

	producer.bufferedProduceBytesLimit.Set(float64(cfg.ProducerMaxBufferedBytes))

	go producer.updateMetricsLoop()

	return producer
}

func (c *Producer) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})

	c.Client.Close()
}

func (c *Producer) updateMetricsLoop() {
	// We observe buffered produce bytes at regular intervals, to have a good
	// approximation of the peak value reached over the observation period.
	ticker := time.NewTicker(250 * time.Millisecond)

	for {
		select {
		case <-ticker.C:
			c.bufferedProduceBytes.Observe(float64(c.Client.BufferedProduceBytes()))

		case <-c.closed:
			return
		}
	}
}

// ProduceSync produces records to Kafka and returns once all records have
// been committed or failed. Results carry a pointer to their input record,
// their order is not the input order.
//
// Records larger than the configured max record size fail with
// kerr.MessageTooLarge, records over the buffered bytes limit with
// kgo.ErrMaxBuffered, without failing the rest of the batch.
func (c *Producer) ProduceSync(ctx context.Context, records []*kgo.Record) kgo.ProduceResults {
	var (
		remaining = atomic.NewInt64(int64(len(records)))
		done      = make(chan struct{})
		resMx     sync.Mutex
		res       = make(kgo.ProduceResults, 0, len(records))
	)

	c.produceRequestsTotal.Add(float64(len(records)))

	onProduceDone := func(r *kgo.Record, err error) {
		if c.maxBufferedBytes > 0 {
			c.bufferedBytes.Add(-int64(len(r.Value)))
		}

		resMx.Lock()
		res = append(res, kgo.ProduceResult{Record: r, Err: err})
		resMx.Unlock()

		if err != nil {
			c.produceFailuresTotal.WithLabelValues(produceErrReason(err)).Inc()
		}

		// In case of error we'll wait for all responses anyway before
		// returning from ProduceSync(), to keep the result accounting simple.
		if remaining.Dec() == 0 {
			close(done)
		}
	}

	for _, record := range records {
		if len(record.Key)+len(record.Value) > c.maxRecordSizeBytes {
			remaining.Dec()
			resMx.Lock()
			res = append(res, kgo.ProduceResult{Record: record, Err: kerr.MessageTooLarge})
			resMx.Unlock()
			c.produceFailuresTotal.WithLabelValues(produceErrReason(kerr.MessageTooLarge)).Inc()
			continue
		}

		// Fast fail if the client buffer is full. The buffered bytes counter
		// is decreased in onProduceDone().
		if c.maxBufferedBytes > 0 && c.bufferedBytes.Add(int64(len(record.Value))) > c.maxBufferedBytes {
			onProduceDone(record, kgo.ErrMaxBuffered)
			continue
		}

		// We use a new context to avoid that other Produce() calls are
		// cancelled when this call's context is canceled. Cancelling the
		// context passed to Produce() doesn't prevent the data from being
		// sent over the wire, but in some cases may cause all requests to
		// fail with context cancelled.
		c.Client.Produce(context.WithoutCancel(ctx), record, onProduceDone)
	}

	if remaining.Load() == 0 {
		// Every record failed a pre-produce check.
		return res
	}

	// Wait for a response or until the context has done.
	select {
	case <-ctx.Done():
		return kgo.ProduceResults{{Err: context.Cause(ctx)}}
	case <-done:
		// Once we're done, it's guaranteed that no more results will be
		// appended, so we can safely return it.
		return res
	}
}

func produceErrReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, kgo.ErrRecordTimeout) {
		return "timeout"
	}
	if errors.Is(err, kgo.ErrMaxBuffered) {
		return "buffer-full"
	}
	if errors.Is(err, kerr.MessageTooLarge) {
		return "record-too-large"
	}
	if errors.Is(err, context.Canceled) {
		// This should never happen because we don't cancel produce requests,
		// however we check this error anyway to detect if something
		// unexpected happened.
		return "canceled"
	}
	return "other"
}
