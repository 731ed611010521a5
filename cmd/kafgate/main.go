package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/yaml.v2"

	"github.com/kafgate/kafgate/pkg/api"
	"github.com/kafgate/kafgate/pkg/consumer"
	"github.com/kafgate/kafgate/pkg/kafka"
	util_log "github.com/kafgate/kafgate/pkg/util/log"
)

// version is overridden at build time via -ldflags.
var version = "dev"

// Config is the whole gateway configuration: one section per subsystem, plus
// logging. Values come from flag defaults, then the optional yaml config
// file, then explicit flags, each layer overriding the previous one.
type Config struct {
	ConfigFile   string `yaml:"-"`
	PrintVersion bool   `yaml:"-"`

	LogLevel  dslog.Level `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`

	Server   api.Config      `yaml:"server"`
	Kafka    kafka.Config    `yaml:"kafka"`
	Consumer consumer.Config `yaml:"consumer"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.ConfigFile, "config.file", "", "Path to the yaml config file. Flags override values loaded from it.")
	f.BoolVar(&c.PrintVersion, "version", false, "Print the version and exit.")
	c.LogLevel.RegisterFlags(f)
	f.StringVar(&c.LogFormat, "log.format", dslog.LogfmtFormat, "Log format. Supported values: logfmt, json.")
	c.Server.RegisterFlags(f)
	c.Kafka.RegisterFlags(f)
	c.Consumer.RegisterFlags(f)
}

func (c *Config) Validate() error {
	if c.LogFormat != dslog.LogfmtFormat && c.LogFormat != dslog.JSONFormat {
		return errors.Errorf("invalid log format %q, supported values: %s, %s", c.LogFormat, dslog.LogfmtFormat, dslog.JSONFormat)
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Kafka.Validate(); err != nil {
		return err
	}
	if err := c.Consumer.Validate(); err != nil {
		return err
	}
	if c.Server.WriteTimeout <= c.Consumer.RequestTimeout {
		return errors.New("server write timeout must exceed the consumer request timeout, or long polls are cut off mid-response")
	}
	return nil
}

func loadConfigFile(path string, cfg *Config) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading config file")
	}
	if err := yaml.UnmarshalStrict(buf, cfg); err != nil {
		return errors.Wrapf(err, "parsing config file %s", path)
	}
	return nil
}

func main() {
	var cfg Config
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if cfg.PrintVersion {
		fmt.Println("kafgate, version", version)
		os.Exit(0)
	}

	if cfg.ConfigFile != "" {
		if err := loadConfigFile(cfg.ConfigFile, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "failed loading config: %v\n", err)
			os.Exit(1)
		}
		// Reparse so explicit flags win over the config file.
		flag.Parse()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	logger := util_log.InitLogger(cfg.LogLevel, cfg.LogFormat, reg)

	if err := cfg.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid configuration", "err", err)
		os.Exit(1)
	}

	level.Info(logger).Log("msg", "starting kafgate", "version", version, "brokers", cfg.Kafka.Address)
	err := run(cfg, logger, reg)
	util_log.CheckFatal("running kafgate", err, logger)
}

func run(cfg Config, logger log.Logger, reg *prometheus.Registry) error {
	metadata, err := kafka.NewMetadataClient(cfg.Kafka, log.With(logger, "component", "metadata"), reg)
	if err != nil {
		return errors.Wrap(err, "building metadata client")
	}
	defer metadata.Close()

	producerClient, err := kafka.NewProducerClient(cfg.Kafka, log.With(logger, "component", "producer"), reg)
	if err != nil {
		return errors.Wrap(err, "building producer client")
	}
	producer := kafka.NewProducer(producerClient, cfg.Kafka, reg)
	defer producer.Close()

	factory := kafka.NewFactory(cfg.Kafka, cfg.Consumer.IteratorTimeout, log.With(logger, "component", "factory"), reg)

	manager, err := consumer.NewManager(cfg.Consumer, factory, metadata, log.With(logger, "component", "consumer"), reg)
	if err != nil {
		return errors.Wrap(err, "building consumer manager")
	}

	var sm *services.Manager
	ready := func() error {
		if sm == nil || !sm.IsHealthy() {
			return errors.New("not all services are running")
		}
		return nil
	}
	gatewayAPI := api.NewAPI(cfg.Server, manager, producer, log.With(logger, "component", "api"))
	server := api.NewServer(cfg.Server, gatewayAPI, ready, &cfg.LogLevel, reg, log.With(logger, "component", "server"))

	sm, err = services.NewManager(manager, server)
	if err != nil {
		return errors.Wrap(err, "building service manager")
	}
	healthy := func() { level.Info(logger).Log("msg", "kafgate started") }
	stopped := func() { level.Info(logger).Log("msg", "kafgate stopped") }
	serviceFailed := func(service services.Service) {
		// One service failing stops the whole gateway.
		sm.StopAsync()
		level.Error(logger).Log("msg", "service failed", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	handler := signals.NewHandler(logger)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return errors.Wrap(err, "starting services")
	}
	if err := sm.AwaitStopped(context.Background()); err != nil {
		return errors.Wrap(err, "awaiting services")
	}
	for _, failed := range sm.ServicesByState()[services.Failed] {
		if failureCase := failed.FailureCase(); failureCase != nil && !errors.Is(failureCase, context.Canceled) {
			return failureCase
		}
	}
	return nil
}
