package api

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/kafgate/kafgate/pkg/consumer"
)

// CreateConsumerRequest is the body of a create consumer call. All fields are
// optional; the field names follow the classic REST proxy wire format.
type CreateConsumerRequest struct {
	ID               string `json:"id,omitempty"`
	Name             string `json:"name,omitempty"`
	Format           string `json:"format,omitempty"`
	AutoOffsetReset  string `json:"auto.offset.reset,omitempty"`
	AutoCommitEnable string `json:"auto.commit.enable,omitempty"`
}

// instanceConfig translates the wire format into an instance configuration.
func (r CreateConsumerRequest) instanceConfig() (consumer.InstanceConfig, error) {
	cfg := consumer.InstanceConfig{
		ID:              r.ID,
		Name:            r.Name,
		Format:          r.Format,
		AutoOffsetReset: r.AutoOffsetReset,
	}
	if r.AutoCommitEnable != "" {
		autoCommit, err := strconv.ParseBool(r.AutoCommitEnable)
		if err != nil {
			return consumer.InstanceConfig{}, fmt.Errorf("%w: auto.commit.enable %q is not a boolean", consumer.ErrInvalidConfig, r.AutoCommitEnable)
		}
		cfg.AutoCommit = autoCommit
	}
	return cfg, nil
}

type CreateConsumerResponse struct {
	InstanceID string `json:"instance_id"`
	BaseURI    string `json:"base_uri"`
}

// BinaryConsumerRecord is one consumed record with base64 encoded key and
// value.
type BinaryConsumerRecord struct {
	Topic     string `json:"topic"`
	Key       []byte `json:"key"`
	Value     []byte `json:"value"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}

// JSONConsumerRecord is one consumed record with the key and value embedded
// as JSON.
type JSONConsumerRecord struct {
	Topic     string          `json:"topic"`
	Key       json.RawMessage `json:"key"`
	Value     json.RawMessage `json:"value"`
	Partition int32           `json:"partition"`
	Offset    int64           `json:"offset"`
}

func encodeBinaryRecords(topic string, records []consumer.Record) []BinaryConsumerRecord {
	out := make([]BinaryConsumerRecord, 0, len(records))
	for _, r := range records {
		out = append(out, BinaryConsumerRecord{
			Topic:     topic,
			Key:       r.Key,
			Value:     r.Value,
			Partition: r.Partition,
			Offset:    r.Offset,
		})
	}
	return out
}

func encodeJSONRecords(topic string, records []consumer.Record) []JSONConsumerRecord {
	out := make([]JSONConsumerRecord, 0, len(records))
	for _, r := range records {
		out = append(out, JSONConsumerRecord{
			Topic:     topic,
			Key:       jsonValue(r.Key),
			Value:     jsonValue(r.Value),
			Partition: r.Partition,
			Offset:    r.Offset,
		})
	}
	return out
}

// jsonValue embeds raw bytes into a JSON document. Payloads that are not
// valid JSON are represented as JSON strings instead of failing the whole
// read.
func jsonValue(raw []byte) json.RawMessage {
	if raw == nil {
		return nil
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	quoted, err := json.Marshal(string(raw))
	if err != nil {
		return nil
	}
	return quoted
}

// TopicPartitionOffset is one committed partition offset on the wire.
type TopicPartitionOffset struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}

type CommitOffsetsResponse struct {
	Offsets []TopicPartitionOffset `json:"offsets"`
}

func encodeOffsets(offsets []consumer.TopicPartitionOffset) []TopicPartitionOffset {
	out := make([]TopicPartitionOffset, 0, len(offsets))
	for _, o := range offsets {
		out = append(out, TopicPartitionOffset{
			Topic:     o.Topic,
			Partition: o.Partition,
			Offset:    o.Offset,
		})
	}
	return out
}

// BinaryProduceRequest is the body of a produce call with base64 encoded
// keys and values.
type BinaryProduceRequest struct {
	Records []BinaryProduceRecord `json:"records"`
}

type BinaryProduceRecord struct {
	Key       []byte `json:"key"`
	Value     []byte `json:"value"`
	Partition *int32 `json:"partition"`
}

// JSONProduceRequest is the body of a produce call with keys and values
// embedded as JSON.
type JSONProduceRequest struct {
	Records []JSONProduceRecord `json:"records"`
}

type JSONProduceRecord struct {
	Key       json.RawMessage `json:"key"`
	Value     json.RawMessage `json:"value"`
	Partition *int32          `json:"partition"`
}

// ProduceResponse reports one entry per produced record, in request order.
type ProduceResponse struct {
	Offsets []ProduceResponseOffset `json:"offsets"`
}

// ProduceResponseOffset is the outcome of one produced record: either the
// partition and offset it landed on, or an error.
type ProduceResponseOffset struct {
	Partition *int32  `json:"partition"`
	Offset    *int64  `json:"offset"`
	ErrorCode *int    `json:"error_code"`
	Error     *string `json:"error"`
}

// ErrorResponse is the error body of every failed call.
type ErrorResponse struct {
	ErrorCode int    `json:"error_code"`
	Message   string `json:"message"`
}
