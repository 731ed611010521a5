package api

import (
	"errors"
	"flag"
	"time"
)

// Config configures the HTTP server of the gateway.
type Config struct {
	ListenAddress string `yaml:"listen_address"`

	// AdvertisedURL is the base URL written into instance URIs handed back
	// to clients. When empty it is derived from the request host.
	AdvertisedURL string `yaml:"advertised_url"`

	ReadTimeout             time.Duration `yaml:"read_timeout"`
	WriteTimeout            time.Duration `yaml:"write_timeout"`
	IdleTimeout             time.Duration `yaml:"idle_timeout"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.ListenAddress, "server.listen-address", ":8082", "HTTP listen address.")
	f.StringVar(&cfg.AdvertisedURL, "server.advertised-url", "", "Base URL advertised in consumer instance URIs. Derived from the request host when empty.")
	f.DurationVar(&cfg.ReadTimeout, "server.read-timeout", 30*time.Second, "Maximum duration for reading an entire request.")
	f.DurationVar(&cfg.WriteTimeout, "server.write-timeout", 30*time.Second, "Maximum duration before timing out a response write. Must exceed the consumer request timeout.")
	f.DurationVar(&cfg.IdleTimeout, "server.idle-timeout", 2*time.Minute, "Maximum time to wait for the next request on a kept-alive connection.")
	f.DurationVar(&cfg.GracefulShutdownTimeout, "server.graceful-shutdown-timeout", 30*time.Second, "Time to wait for inflight requests when shutting down.")
}

func (cfg *Config) Validate() error {
	if cfg.ListenAddress == "" {
		return errors.New("server listen address is required")
	}
	if cfg.WriteTimeout <= 0 {
		return errors.New("server write timeout must be greater than 0")
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		return errors.New("server graceful shutdown timeout must be greater than 0")
	}
	return nil
}
