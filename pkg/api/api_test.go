package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/kafgate/kafgate/pkg/consumer"
)

type stubManager struct {
	createID  string
	createErr error
	cfg       consumer.InstanceConfig
	cfgErr    error
	records   []consumer.Record
	readErr   error
	offsets   []consumer.TopicPartitionOffset
	commitErr error
	deleteErr error

	readCalls   int
	gotGroup    string
	gotInstance string
	gotTopic    string
	gotMax      int
	gotCfg      consumer.InstanceConfig
}

func (s *stubManager) CreateConsumer(_ context.Context, group string, cfg consumer.InstanceConfig) (string, error) {
	s.gotGroup = group
	s.gotCfg = cfg
	if s.createErr != nil {
		return "", s.createErr
	}
	return s.createID, nil
}

func (s *stubManager) ReadTopic(_ context.Context, group, id, topic string, maxRecords int, cb consumer.ReadCallback) (*consumer.ReadFuture, error) {
	s.readCalls++
	s.gotGroup, s.gotInstance, s.gotTopic, s.gotMax = group, id, topic, maxRecords
	if s.readErr != nil {
		cb(nil, s.readErr)
		return nil, s.readErr
	}
	cb(s.records, nil)
	return nil, nil
}

func (s *stubManager) CommitOffsets(_ context.Context, group, id string, cb consumer.CommitCallback) (*consumer.CommitFuture, error) {
	s.gotGroup, s.gotInstance = group, id
	if s.commitErr != nil {
		cb(nil, s.commitErr)
		return nil, s.commitErr
	}
	cb(s.offsets, nil)
	return nil, nil
}

func (s *stubManager) DeleteConsumer(_ context.Context, group, id string) error {
	s.gotGroup, s.gotInstance = group, id
	return s.deleteErr
}

func (s *stubManager) InstanceConfig(string, string) (consumer.InstanceConfig, error) {
	if s.cfgErr != nil {
		return consumer.InstanceConfig{}, s.cfgErr
	}
	return s.cfg, nil
}

// stubProducer acknowledges every record and returns the results in reverse
// completion order, so tests prove responses follow the request order.
type stubProducer struct {
	resultErr map[int]error
	got       []*kgo.Record
}

func (s *stubProducer) ProduceSync(_ context.Context, records []*kgo.Record) kgo.ProduceResults {
	s.got = records
	results := make(kgo.ProduceResults, 0, len(records))
	for i, rec := range records {
		if err := s.resultErr[i]; err != nil {
			results = append(results, kgo.ProduceResult{Record: rec, Err: err})
			continue
		}
		if rec.Partition < 0 {
			rec.Partition = 0
		}
		rec.Offset = int64(100 + i)
		results = append(results, kgo.ProduceResult{Record: rec})
	}
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	return results
}

func newTestRouter(t *testing.T, manager SessionManager, producer RecordProducer) *mux.Router {
	t.Helper()
	var cfg Config
	flagext.DefaultValues(&cfg)
	a := NewAPI(cfg, manager, producer, log.NewNopLogger())
	router := mux.NewRouter()
	a.RegisterRoutes(router)
	return router
}

func doRequest(t *testing.T, router *mux.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func notFoundErr() error {
	return fmt.Errorf("consumer instance inst-1 in group g1: %w", consumer.ErrNotFound)
}

func TestCreateConsumer(t *testing.T) {
	m := &stubManager{createID: "inst-1"}
	router := newTestRouter(t, m, &stubProducer{})

	rr := doRequest(t, router, "POST", "/consumers/g1",
		`{"format": "json", "auto.offset.reset": "earliest", "auto.commit.enable": "true", "name": "reporting"}`)

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t,
		`{"instance_id": "inst-1", "base_uri": "http://example.com/consumers/g1/instances/inst-1"}`,
		rr.Body.String())
	require.Equal(t, "g1", m.gotGroup)
	require.Equal(t, consumer.InstanceConfig{
		Name:            "reporting",
		Format:          consumer.FormatJSON,
		AutoOffsetReset: consumer.ResetEarliest,
		AutoCommit:      true,
	}, m.gotCfg)
}

func TestCreateConsumerEmptyBody(t *testing.T) {
	m := &stubManager{createID: "inst-1"}
	router := newTestRouter(t, m, &stubProducer{})

	rr := doRequest(t, router, "POST", "/consumers/g1", "")

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, consumer.InstanceConfig{}, m.gotCfg)
}

func TestCreateConsumerMalformedBody(t *testing.T) {
	router := newTestRouter(t, &stubManager{}, &stubProducer{})

	rr := doRequest(t, router, "POST", "/consumers/g1", `{"format":`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, http.StatusBadRequest, resp.ErrorCode)
}

func TestCreateConsumerBadAutoCommit(t *testing.T) {
	router := newTestRouter(t, &stubManager{}, &stubProducer{})

	rr := doRequest(t, router, "POST", "/consumers/g1", `{"auto.commit.enable": "maybe"}`)

	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestCreateConsumerRejectedConfig(t *testing.T) {
	m := &stubManager{createErr: fmt.Errorf("%w: unknown format %q", consumer.ErrInvalidConfig, "avro")}
	router := newTestRouter(t, m, &stubProducer{})

	rr := doRequest(t, router, "POST", "/consumers/g1", `{"format": "avro"}`)

	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, http.StatusUnprocessableEntity, resp.ErrorCode)
	require.Contains(t, resp.Message, "avro")
}

func TestReadTopicBinary(t *testing.T) {
	m := &stubManager{
		cfg: consumer.InstanceConfig{Format: consumer.FormatBinary},
		records: []consumer.Record{
			{Key: []byte("k1"), Value: []byte("v1"), Partition: 0, Offset: 0},
			{Value: []byte("v2"), Partition: 1, Offset: 7},
		},
	}
	router := newTestRouter(t, m, &stubProducer{})

	rr := doRequest(t, router, "GET", "/consumers/g1/instances/inst-1/topics/events?max_records=5", "")

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `[
		{"topic": "events", "key": "azE=", "value": "djE=", "partition": 0, "offset": 0},
		{"topic": "events", "key": null, "value": "djI=", "partition": 1, "offset": 7}
	]`, rr.Body.String())
	require.Equal(t, "g1", m.gotGroup)
	require.Equal(t, "inst-1", m.gotInstance)
	require.Equal(t, "events", m.gotTopic)
	require.Equal(t, 5, m.gotMax)
}

func TestReadTopicJSONFormat(t *testing.T) {
	m := &stubManager{
		cfg: consumer.InstanceConfig{Format: consumer.FormatJSON},
		records: []consumer.Record{
			{Value: []byte(`{"a": 1}`), Partition: 0, Offset: 0},
			{Value: []byte("not-json"), Partition: 0, Offset: 1},
		},
	}
	router := newTestRouter(t, m, &stubProducer{})

	rr := doRequest(t, router, "GET", "/consumers/g1/instances/inst-1/topics/events", "")

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `[
		{"topic": "events", "key": null, "value": {"a": 1}, "partition": 0, "offset": 0},
		{"topic": "events", "key": null, "value": "not-json", "partition": 0, "offset": 1}
	]`, rr.Body.String())
	require.Equal(t, 0, m.gotMax)
}

func TestReadTopicEmptyResult(t *testing.T) {
	m := &stubManager{cfg: consumer.InstanceConfig{Format: consumer.FormatBinary}}
	router := newTestRouter(t, m, &stubProducer{})

	rr := doRequest(t, router, "GET", "/consumers/g1/instances/inst-1/topics/events", "")

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `[]`, rr.Body.String())
}

func TestReadTopicUnknownInstance(t *testing.T) {
	m := &stubManager{cfgErr: notFoundErr()}
	router := newTestRouter(t, m, &stubProducer{})

	rr := doRequest(t, router, "GET", "/consumers/g1/instances/inst-1/topics/events", "")

	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, 0, m.readCalls)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, http.StatusNotFound, resp.ErrorCode)
}

func TestReadTopicUnknownTopic(t *testing.T) {
	m := &stubManager{
		cfg:     consumer.InstanceConfig{Format: consumer.FormatBinary},
		readErr: fmt.Errorf("topic events: %w", consumer.ErrNotFound),
	}
	router := newTestRouter(t, m, &stubProducer{})

	rr := doRequest(t, router, "GET", "/consumers/g1/instances/inst-1/topics/events", "")

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestReadTopicBrokerError(t *testing.T) {
	m := &stubManager{
		cfg:     consumer.InstanceConfig{Format: consumer.FormatBinary},
		readErr: fmt.Errorf("%w: connection refused", consumer.ErrBroker),
	}
	router := newTestRouter(t, m, &stubProducer{})

	rr := doRequest(t, router, "GET", "/consumers/g1/instances/inst-1/topics/events", "")

	require.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestReadTopicInvalidMaxRecords(t *testing.T) {
	router := newTestRouter(t, &stubManager{}, &stubProducer{})

	rr := doRequest(t, router, "GET", "/consumers/g1/instances/inst-1/topics/events?max_records=many", "")

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCommitOffsets(t *testing.T) {
	m := &stubManager{
		offsets: []consumer.TopicPartitionOffset{
			{Topic: "events", Partition: 0, Offset: 41},
			{Topic: "events", Partition: 2, Offset: 7},
		},
	}
	router := newTestRouter(t, m, &stubProducer{})

	rr := doRequest(t, router, "POST", "/consumers/g1/instances/inst-1/offsets", "")

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"offsets": [
		{"topic": "events", "partition": 0, "offset": 41},
		{"topic": "events", "partition": 2, "offset": 7}
	]}`, rr.Body.String())
}

func TestCommitOffsetsNothingConsumed(t *testing.T) {
	router := newTestRouter(t, &stubManager{}, &stubProducer{})

	rr := doRequest(t, router, "POST", "/consumers/g1/instances/inst-1/offsets", "")

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"offsets": []}`, rr.Body.String())
}

func TestCommitOffsetsUnknownInstance(t *testing.T) {
	m := &stubManager{commitErr: notFoundErr()}
	router := newTestRouter(t, m, &stubProducer{})

	rr := doRequest(t, router, "POST", "/consumers/g1/instances/inst-1/offsets", "")

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDeleteConsumer(t *testing.T) {
	m := &stubManager{}
	router := newTestRouter(t, m, &stubProducer{})

	rr := doRequest(t, router, "DELETE", "/consumers/g1/instances/inst-1", "")

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Empty(t, rr.Body.String())
	require.Equal(t, "g1", m.gotGroup)
	require.Equal(t, "inst-1", m.gotInstance)
}

func TestDeleteConsumerUnknownInstance(t *testing.T) {
	m := &stubManager{deleteErr: notFoundErr()}
	router := newTestRouter(t, m, &stubProducer{})

	rr := doRequest(t, router, "DELETE", "/consumers/g1/instances/inst-1", "")

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestProduceBinary(t *testing.T) {
	p := &stubProducer{}
	router := newTestRouter(t, &stubManager{}, p)

	rr := doRequest(t, router, "POST", "/topics/events", `{"records": [
		{"key": "azE=", "value": "djE=", "partition": 2},
		{"value": "djI="}
	]}`)

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"offsets": [
		{"partition": 2, "offset": 100, "error_code": null, "error": null},
		{"partition": 0, "offset": 101, "error_code": null, "error": null}
	]}`, rr.Body.String())

	require.Len(t, p.got, 2)
	require.Equal(t, "events", p.got[0].Topic)
	require.Equal(t, []byte("k1"), p.got[0].Key)
	require.Equal(t, []byte("v1"), p.got[0].Value)
	require.Nil(t, p.got[1].Key)
}

func TestProducePerRecordErrors(t *testing.T) {
	p := &stubProducer{resultErr: map[int]error{
		1: kerr.MessageTooLarge,
		2: kerr.RequestTimedOut,
	}}
	router := newTestRouter(t, &stubManager{}, p)

	rr := doRequest(t, router, "POST", "/topics/events", `{"records": [
		{"value": "djE="},
		{"value": "djI="},
		{"value": "djM="}
	]}`)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp ProduceResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Offsets, 3)

	require.NotNil(t, resp.Offsets[0].Offset)
	require.Nil(t, resp.Offsets[0].ErrorCode)

	require.Nil(t, resp.Offsets[1].Offset)
	require.NotNil(t, resp.Offsets[1].ErrorCode)
	require.Equal(t, produceErrorCodeNonRetriable, *resp.Offsets[1].ErrorCode)
	require.Contains(t, *resp.Offsets[1].Error, "MESSAGE_TOO_LARGE")

	require.NotNil(t, resp.Offsets[2].ErrorCode)
	require.Equal(t, produceErrorCodeRetriable, *resp.Offsets[2].ErrorCode)
}

func TestProduceJSONFormat(t *testing.T) {
	p := &stubProducer{}
	router := newTestRouter(t, &stubManager{}, p)

	rr := doRequest(t, router, "POST", "/topics/events?format=json",
		`{"records": [{"key": "k", "value": {"a": 1}}]}`)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, p.got, 1)
	require.Equal(t, `"k"`, string(p.got[0].Key))
	require.JSONEq(t, `{"a": 1}`, string(p.got[0].Value))
}

func TestProduceUnknownFormat(t *testing.T) {
	router := newTestRouter(t, &stubManager{}, &stubProducer{})

	rr := doRequest(t, router, "POST", "/topics/events?format=avro", `{"records": [{"value": "djE="}]}`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestProduceNoRecords(t *testing.T) {
	router := newTestRouter(t, &stubManager{}, &stubProducer{})

	rr := doRequest(t, router, "POST", "/topics/events", `{"records": []}`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestProduceNegativePartition(t *testing.T) {
	router := newTestRouter(t, &stubManager{}, &stubProducer{})

	rr := doRequest(t, router, "POST", "/topics/events", `{"records": [{"value": "djE=", "partition": -1}]}`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}
