package consumer

import (
	"errors"
	"flag"
	"time"
)

const (
	// DefaultRequestTimeout is the total time budget of a single read.
	DefaultRequestTimeout = time.Second

	// DefaultIteratorTimeout is the poll quantum of one scheduling round.
	DefaultIteratorTimeout = 100 * time.Millisecond

	// DefaultInstanceExpiration is how long an instance may stay idle before
	// the expiration sweep reclaims it.
	DefaultInstanceExpiration = 5 * time.Minute

	// DefaultSweepInterval is how often the expiration sweep runs.
	DefaultSweepInterval = time.Minute

	// DefaultMaxPollRecords caps the records returned by a read that does
	// not ask for an explicit maximum.
	DefaultMaxPollRecords = 100

	// DefaultWorkers is the size of the task worker pool.
	DefaultWorkers = 4

	// DefaultMaxQueuedTasks bounds the scheduler queue.
	DefaultMaxQueuedTasks = 512
)

// Config configures the session manager.
type Config struct {
	Workers            int           `yaml:"workers"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	IteratorTimeout    time.Duration `yaml:"iterator_timeout"`
	MaxPollRecords     int           `yaml:"max_poll_records"`
	InstanceExpiration time.Duration `yaml:"instance_expiration"`
	SweepInterval      time.Duration `yaml:"expiration_sweep_interval"`
	MaxQueuedTasks     int           `yaml:"max_queued_tasks"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.Workers, "consumer.workers", DefaultWorkers, "Number of workers executing consumer read and commit tasks.")
	f.DurationVar(&cfg.RequestTimeout, "consumer.request-timeout", DefaultRequestTimeout, "Total time budget of a single read request. A read returns the records accumulated so far when the budget is spent.")
	f.DurationVar(&cfg.IteratorTimeout, "consumer.iterator-timeout", DefaultIteratorTimeout, "How long one scheduling round polls the broker before yielding its worker. Must be shorter than the request timeout.")
	f.IntVar(&cfg.MaxPollRecords, "consumer.max-poll-records", DefaultMaxPollRecords, "Default maximum number of records returned by a single read.")
	f.DurationVar(&cfg.InstanceExpiration, "consumer.instance-expiration", DefaultInstanceExpiration, "How long a consumer instance may stay idle before it is deleted.")
	f.DurationVar(&cfg.SweepInterval, "consumer.expiration-sweep-interval", DefaultSweepInterval, "How often idle consumer instances are checked for expiration.")
	f.IntVar(&cfg.MaxQueuedTasks, "consumer.max-queued-tasks", DefaultMaxQueuedTasks, "Maximum number of read and commit tasks waiting for a worker. Further operations fail until the queue drains.")
}

func (cfg *Config) Validate() error {
	if cfg.Workers <= 0 {
		return errors.New("consumer workers must be greater than 0")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("consumer request timeout must be greater than 0")
	}
	if cfg.IteratorTimeout <= 0 {
		return errors.New("consumer iterator timeout must be greater than 0")
	}
	if cfg.IteratorTimeout >= cfg.RequestTimeout {
		return errors.New("consumer iterator timeout must be shorter than the request timeout")
	}
	if cfg.MaxPollRecords <= 0 {
		return errors.New("consumer max poll records must be greater than 0")
	}
	if cfg.InstanceExpiration <= 0 {
		return errors.New("consumer instance expiration must be greater than 0")
	}
	if cfg.SweepInterval <= 0 {
		return errors.New("consumer expiration sweep interval must be greater than 0")
	}
	if cfg.MaxQueuedTasks <= 0 {
		return errors.New("consumer max queued tasks must be greater than 0")
	}
	return nil
}
