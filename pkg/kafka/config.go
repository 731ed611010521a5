package kafka

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	// producerBatchMaxBytes is the max allowed size of a batch of Kafka
	// records.
	producerBatchMaxBytes = 16_000_000

	// maxProducerRecordSizeBytes is the max allowed size of a single record.
	// The limit is a bit less than the batch limit, to keep room for the
	// per-record overhead in a batch.
	maxProducerRecordSizeBytes = producerBatchMaxBytes - 16384
)

var (
	ErrMissingKafkaAddress           = errors.New("the Kafka address has not been configured")
	ErrInconsistentSASLCredentials   = errors.New("the SASL username and password must be both configured to enable SASL authentication")
	ErrInvalidProducerMaxRecordSize  = fmt.Errorf("the configured producer max record size must be a value between 0 and %d", maxProducerRecordSizeBytes)
	ErrInvalidProducerMaxInflight    = errors.New("the max in-flight produce requests per broker must be greater than 0")
	ErrInvalidProducerMaxBuffered    = errors.New("the max buffered produce bytes must be greater or equal to 0")
	ErrInvalidTopicMetadataTTL       = errors.New("the topic metadata TTL must be greater than 0")
	ErrInvalidTopicMetadataCacheSize = errors.New("the topic metadata cache size must be greater than 0")
	ErrUnsupportedCompressionCodec   = errors.New("unsupported compression codec")
)

// Supported producer compression codecs.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionSnappy = "snappy"
	CompressionLz4    = "lz4"
	CompressionZstd   = "zstd"
)

// Config holds the connection settings shared by every Kafka client the
// gateway opens: the per-instance consumer clients, the metadata client and
// the shared producer.
type Config struct {
	Address     string        `yaml:"address"`
	ClientID    string        `yaml:"client_id"`
	DialTimeout time.Duration `yaml:"dial_timeout"`

	SASLUsername string         `yaml:"sasl_username"`
	SASLPassword flagext.Secret `yaml:"sasl_password"`

	AutoCreateTopicEnabled bool `yaml:"auto_create_topic_enabled"`

	TopicMetadataTTL       time.Duration `yaml:"topic_metadata_ttl"`
	TopicMetadataCacheSize int           `yaml:"topic_metadata_cache_size"`

	ProducerCompression        string        `yaml:"producer_compression"`
	ProducerLinger             time.Duration `yaml:"producer_linger"`
	ProducerMaxRecordSizeBytes int           `yaml:"producer_max_record_size_bytes"`
	ProducerMaxBufferedBytes   int64         `yaml:"producer_max_buffered_bytes"`
	ProducerMaxInflight        int           `yaml:"producer_max_inflight"`
	WriteTimeout               time.Duration `yaml:"write_timeout"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("kafka", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, prefix+".address", "", "The Kafka seed broker address.")
	f.StringVar(&cfg.ClientID, prefix+".client-id", "kafgate", "The Kafka client ID. Consumer instance clients append the instance ID to it.")
	f.DurationVar(&cfg.DialTimeout, prefix+".dial-timeout", 2*time.Second, "The maximum time allowed to open a connection to a Kafka broker.")
	f.StringVar(&cfg.SASLUsername, prefix+".sasl-username", "", "The SASL username for authentication to Kafka using the PLAIN mechanism. Both username and password must be set.")
	f.Var(&cfg.SASLPassword, prefix+".sasl-password", "The SASL password for authentication to Kafka using the PLAIN mechanism. Both username and password must be set.")
	f.BoolVar(&cfg.AutoCreateTopicEnabled, prefix+".auto-create-topic-enabled", true, "Enable auto-creation of Kafka topics on produce.")
	f.DurationVar(&cfg.TopicMetadataTTL, prefix+".topic-metadata-ttl", 10*time.Second, "How long a positive topic existence lookup is cached.")
	f.IntVar(&cfg.TopicMetadataCacheSize, prefix+".topic-metadata-cache-size", 1024, "The maximum number of topics kept in the metadata cache.")
	f.StringVar(&cfg.ProducerCompression, prefix+".producer-compression", CompressionNone, fmt.Sprintf("The compression codec for produced record batches. Supported values: %s, %s, %s, %s, %s.", CompressionNone, CompressionGzip, CompressionSnappy, CompressionLz4, CompressionZstd))
	f.DurationVar(&cfg.ProducerLinger, prefix+".producer-linger", 50*time.Millisecond, "How long the producer buffers records client-side before firing the next produce request.")
	f.IntVar(&cfg.ProducerMaxRecordSizeBytes, prefix+".producer-max-record-size-bytes", 1024*1024, "The maximum size of a single produced record.")
	f.Int64Var(&cfg.ProducerMaxBufferedBytes, prefix+".producer-max-buffered-bytes", 256*1024*1024, "The maximum size of buffered records in the producer before produce requests fail. 0 to disable the limit.")
	f.IntVar(&cfg.ProducerMaxInflight, prefix+".producer-max-inflight", 20, "The maximum number of in-flight produce requests per broker.")
	f.DurationVar(&cfg.WriteTimeout, prefix+".write-timeout", 10*time.Second, "The maximum time allowed for a produced record to be delivered, including retries.")
}

func (cfg *Config) Validate() error {
	if cfg.Address == "" {
		return ErrMissingKafkaAddress
	}
	if (cfg.SASLUsername == "") != (cfg.SASLPassword.String() == "") {
		return ErrInconsistentSASLCredentials
	}
	if cfg.ProducerMaxRecordSizeBytes <= 0 || cfg.ProducerMaxRecordSizeBytes > maxProducerRecordSizeBytes {
		return ErrInvalidProducerMaxRecordSize
	}
	if cfg.ProducerMaxBufferedBytes < 0 {
		return ErrInvalidProducerMaxBuffered
	}
	if cfg.ProducerMaxInflight <= 0 {
		return ErrInvalidProducerMaxInflight
	}
	if cfg.TopicMetadataTTL <= 0 {
		return ErrInvalidTopicMetadataTTL
	}
	if cfg.TopicMetadataCacheSize <= 0 {
		return ErrInvalidTopicMetadataCacheSize
	}
	if _, err := compressionCodec(cfg.ProducerCompression); err != nil {
		return err
	}
	return nil
}

func compressionCodec(name string) (kgo.CompressionCodec, error) {
	switch name {
	case CompressionNone:
		return kgo.NoCompression(), nil
	case CompressionGzip:
		return kgo.GzipCompression(), nil
	case CompressionSnappy:
		return kgo.SnappyCompression(), nil
	case CompressionLz4:
		return kgo.Lz4Compression(), nil
	case CompressionZstd:
		return kgo.ZstdCompression(), nil
	default:
		return kgo.CompressionCodec{}, fmt.Errorf("%w: %s", ErrUnsupportedCompressionCodec, name)
	}
}
