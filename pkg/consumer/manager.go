package consumer

import (
	"context"
	"errors"
	"sync"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/multierror"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
)

// Manager is the front door of the consumer subsystem. It owns the instance
// registry and the task scheduler, and runs an idle expiration sweep while
// the service is up.
//
// Deferred operations return a future and accept an optional callback; both
// observe the identical terminal result exactly once. A non-nil error from a
// deferred operation means nothing was scheduled, the callback has already
// fired synchronously with that error, and the future is nil.
type Manager struct {
	services.Service

	cfg     Config
	logger  log.Logger
	clock   quartz.Clock
	metrics *metrics

	factory BrokerFactory
	topics  TopicOracle

	registry *registry
	sched    *scheduler
}

func NewManager(cfg Config, factory BrokerFactory, topics TopicOracle, logger log.Logger, reg prometheus.Registerer) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		clock:    quartz.NewReal(),
		metrics:  newMetrics(reg),
		factory:  factory,
		topics:   topics,
		registry: newRegistry(),
	}
	m.sched = newScheduler(cfg, m.clock, logger, m.metrics)
	m.Service = services.NewBasicService(m.starting, m.running, m.stopping)
	return m, nil
}

func (m *Manager) starting(_ context.Context) error {
	level.Info(m.logger).Log("msg", "consumer manager starting",
		"workers", m.cfg.Workers,
		"request_timeout", m.cfg.RequestTimeout,
		"iterator_timeout", m.cfg.IteratorTimeout,
		"instance_expiration", m.cfg.InstanceExpiration)
	return nil
}

func (m *Manager) running(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.expireLoop(ctx)
	}()
	m.sched.run(ctx)
	wg.Wait()
	return nil
}

func (m *Manager) stopping(failureCase error) error {
	var errs multierror.MultiError
	for _, inst := range m.registry.snapshot() {
		if !inst.tryAcquire() {
			level.Warn(m.logger).Log("msg", "instance still busy at shutdown",
				"group", inst.group, "instance", inst.id)
			continue
		}
		if m.registry.remove(inst) {
			errs.Add(inst.close())
			m.metrics.instances.Dec()
		}
		inst.release()
	}
	level.Info(m.logger).Log("msg", "consumer manager stopped")
	if failureCase != nil && !errors.Is(failureCase, context.Canceled) {
		errs.Add(failureCase)
	}
	return errs.Err()
}

// CreateConsumer registers a new consumer instance in group and returns its
// id. The id from cfg is honored when set, otherwise a random one is
// assigned.
func (m *Manager) CreateConsumer(ctx context.Context, group string, cfg InstanceConfig) (string, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return "", err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if _, ok := m.registry.get(instanceKey{group: group, id: cfg.ID}); ok {
		return "", errInstanceExists(group, cfg.ID)
	}

	handle, err := m.factory.Create(ctx, group, cfg)
	if err != nil {
		if errors.Is(err, ErrInvalidConfig) {
			return "", err
		}
		return "", wrapBrokerError(err)
	}

	inst := newInstance(group, cfg.ID, cfg, handle, m.clock.Now())
	if err := m.registry.put(inst); err != nil {
		// Lost a race with another create for the same id.
		if cerr := handle.Close(); cerr != nil {
			level.Warn(m.logger).Log("msg", "closing broker handle of rejected instance failed",
				"group", group, "instance", cfg.ID, "err", cerr)
		}
		return "", err
	}
	m.metrics.instances.Inc()
	m.metrics.instancesCreated.Inc()
	level.Debug(m.logger).Log("msg", "created consumer instance",
		"group", group, "instance", cfg.ID, "format", cfg.Format)
	return cfg.ID, nil
}

// ReadTopic schedules a read of up to maxRecords records from topic on the
// given instance. maxRecords <= 0 applies the configured default. The read
// completes once it has maxRecords records, the request timeout has elapsed,
// or the stream ended, whichever comes first.
func (m *Manager) ReadTopic(ctx context.Context, group, id, topic string, maxRecords int, cb ReadCallback) (*ReadFuture, error) {
	inst, ok := m.registry.get(instanceKey{group: group, id: id})
	if !ok {
		return nil, failRead(cb, errInstanceNotFound(group, id))
	}
	exists, err := m.topics.TopicExists(ctx, topic)
	if err != nil {
		return nil, failRead(cb, wrapInternalError(err, "looking up topic "+topic))
	}
	if !exists {
		return nil, failRead(cb, errTopicNotFound(topic))
	}
	if maxRecords <= 0 {
		maxRecords = m.cfg.MaxPollRecords
	}

	now := m.clock.Now()
	t := newReadTask(inst, topic, maxRecords, m.cfg.IteratorTimeout, now.Add(m.cfg.RequestTimeout), now, m.countRecords(cb))
	if err := m.sched.enqueue(t); err != nil {
		t.fail(err)
		return nil, err
	}
	return t.fut, nil
}

// CommitOffsets schedules a commit of all offsets the instance has consumed
// since its previous commit.
func (m *Manager) CommitOffsets(ctx context.Context, group, id string, cb CommitCallback) (*CommitFuture, error) {
	inst, ok := m.registry.get(instanceKey{group: group, id: id})
	if !ok {
		return nil, failCommit(cb, errInstanceNotFound(group, id))
	}
	t := newCommitTask(inst, m.clock.Now(), cb)
	if err := m.sched.enqueue(t); err != nil {
		t.fail(err)
		return nil, err
	}
	return t.fut, nil
}

// DeleteConsumer unregisters the instance and closes its broker handle. It
// waits for an in-flight round to vacate the instance slot. Tasks still
// queued for the instance fail with NotFound when they next run.
func (m *Manager) DeleteConsumer(ctx context.Context, group, id string) error {
	inst, ok := m.registry.get(instanceKey{group: group, id: id})
	if !ok {
		return errInstanceNotFound(group, id)
	}
	if !m.registry.remove(inst) {
		return errInstanceNotFound(group, id)
	}
	m.metrics.instances.Dec()
	m.metrics.instancesDeleted.Inc()
	if err := inst.acquire(ctx); err != nil {
		// The instance is already unreachable. Close its broker handle in
		// the background once the in-flight round vacates the slot, so a
		// cancelled caller does not leak the handle.
		go m.closeWhenVacated(inst)
		return err
	}
	err := inst.close()
	inst.release()
	level.Debug(m.logger).Log("msg", "deleted consumer instance", "group", group, "instance", id)
	return wrapBrokerError(err)
}

func (m *Manager) closeWhenVacated(inst *instance) {
	// Cannot fail with a background context: a round always releases the
	// slot when it finishes.
	_ = inst.acquire(context.Background())
	err := inst.close()
	inst.release()
	if err != nil {
		level.Warn(m.logger).Log("msg", "closing deleted consumer instance failed", "group", inst.group, "instance", inst.id, "err", err)
		return
	}
	level.Debug(m.logger).Log("msg", "deleted consumer instance", "group", inst.group, "instance", inst.id)
}

// InstanceConfig returns the configuration of a registered instance.
func (m *Manager) InstanceConfig(group, id string) (InstanceConfig, error) {
	inst, ok := m.registry.get(instanceKey{group: group, id: id})
	if !ok {
		return InstanceConfig{}, errInstanceNotFound(group, id)
	}
	return inst.cfg, nil
}

func (m *Manager) expireLoop(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.removeExpired(); err != nil {
				level.Warn(m.logger).Log("msg", "closing expired consumer instances failed", "err", err)
			}
		}
	}
}

// removeExpired closes instances that have been idle longer than the
// expiration window. Busy instances are skipped and considered again on the
// next sweep.
func (m *Manager) removeExpired() error {
	var errs multierror.MultiError
	now := m.clock.Now()
	for _, inst := range m.registry.snapshot() {
		if now.Sub(inst.lastAccessedTime()) < m.cfg.InstanceExpiration {
			continue
		}
		if !inst.tryAcquire() {
			continue
		}
		// The instance may have been touched or deleted between the snapshot
		// and taking the slot.
		if now.Sub(inst.lastAccessedTime()) < m.cfg.InstanceExpiration || !m.registry.remove(inst) {
			inst.release()
			continue
		}
		err := inst.close()
		inst.release()
		m.metrics.instances.Dec()
		m.metrics.instancesExpired.Inc()
		level.Info(m.logger).Log("msg", "expired idle consumer instance",
			"group", inst.group, "instance", inst.id, "idle", now.Sub(inst.lastAccessedTime()))
		errs.Add(err)
	}
	return errs.Err()
}

// countRecords wraps a read callback to account for delivered records.
func (m *Manager) countRecords(cb ReadCallback) ReadCallback {
	return func(records []Record, err error) {
		if err == nil {
			m.metrics.recordsReadTotal.Add(float64(len(records)))
		}
		if cb != nil {
			cb(records, err)
		}
	}
}

func failRead(cb ReadCallback, err error) error {
	if cb != nil {
		cb(nil, err)
	}
	return err
}

func failCommit(cb CommitCallback, err error) error {
	if cb != nil {
		cb(nil, err)
	}
	return err
}
