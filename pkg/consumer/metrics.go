package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	instances        prometheus.Gauge
	instancesCreated prometheus.Counter
	instancesDeleted prometheus.Counter
	instancesExpired prometheus.Counter

	recordsReadTotal prometheus.Counter
	tasksCompleted   *prometheus.CounterVec
	tasksRejected    prometheus.Counter
	taskContention   prometheus.Counter
	taskRounds       *prometheus.HistogramVec
	roundDuration    prometheus.Histogram
	queueDepth       prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		instances: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "kafgate",
			Name:      "consumer_instances",
			Help:      "The current number of registered consumer instances.",
		}),
		instancesCreated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "kafgate",
			Name:      "consumer_instances_created_total",
			Help:      "Total number of consumer instances created.",
		}),
		instancesDeleted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "kafgate",
			Name:      "consumer_instances_deleted_total",
			Help:      "Total number of consumer instances deleted on request.",
		}),
		instancesExpired: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "kafgate",
			Name:      "consumer_instances_expired_total",
			Help:      "Total number of consumer instances removed for being idle longer than the expiration window.",
		}),
		recordsReadTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "kafgate",
			Name:      "consumer_records_read_total",
			Help:      "Total number of records delivered to read requests.",
		}),
		tasksCompleted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "kafgate",
			Name:      "consumer_tasks_completed_total",
			Help:      "Total number of tasks that reached a terminal state.",
		}, []string{"kind", "outcome"}),
		tasksRejected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "kafgate",
			Name:      "consumer_tasks_rejected_total",
			Help:      "Total number of tasks refused because the queue was full.",
		}),
		taskContention: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "kafgate",
			Name:      "consumer_task_contention_total",
			Help:      "Total number of times a task was requeued because its instance was busy.",
		}),
		taskRounds: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kafgate",
			Name:      "consumer_task_rounds",
			Help:      "Number of scheduler rounds a task ran before completing.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 6),
		}, []string{"kind"}),
		roundDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "kafgate",
			Name:      "consumer_round_duration_seconds",
			Help:      "Wall time of a single task round, including the broker poll.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 7),
		}),
		queueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "kafgate",
			Name:      "consumer_task_queue_depth",
			Help:      "The current number of tasks waiting in the scheduler queue.",
		}),
	}
}
