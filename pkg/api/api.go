// Package api implements the REST resource layer of the gateway: consumer
// instance lifecycle, long-poll topic reads, offset commits and record
// production, in the classic REST proxy wire format.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/kafgate/kafgate/pkg/consumer"
	"github.com/kafgate/kafgate/pkg/util"
)

// Produce outcome codes, carried per record in the response.
const (
	produceErrorCodeNonRetriable = 1
	produceErrorCodeRetriable    = 2
)

// SessionManager is the part of the consumer session manager the resource
// layer depends on.
type SessionManager interface {
	CreateConsumer(ctx context.Context, group string, cfg consumer.InstanceConfig) (string, error)
	ReadTopic(ctx context.Context, group, id, topic string, maxRecords int, cb consumer.ReadCallback) (*consumer.ReadFuture, error)
	CommitOffsets(ctx context.Context, group, id string, cb consumer.CommitCallback) (*consumer.CommitFuture, error)
	DeleteConsumer(ctx context.Context, group, id string) error
	InstanceConfig(group, id string) (consumer.InstanceConfig, error)
}

// RecordProducer synchronously produces records to the broker.
type RecordProducer interface {
	ProduceSync(ctx context.Context, records []*kgo.Record) kgo.ProduceResults
}

// API handles the HTTP resources of the gateway.
type API struct {
	cfg      Config
	manager  SessionManager
	producer RecordProducer
	logger   log.Logger
}

func NewAPI(cfg Config, manager SessionManager, producer RecordProducer, logger log.Logger) *API {
	return &API{
		cfg:      cfg,
		manager:  manager,
		producer: producer,
		logger:   logger,
	}
}

// RegisterRoutes installs the resource routes on the router.
func (a *API) RegisterRoutes(router *mux.Router) {
	router.Path("/consumers/{group}").Methods("POST").HandlerFunc(a.CreateConsumer)
	router.Path("/consumers/{group}/instances/{instance}").Methods("DELETE").HandlerFunc(a.DeleteConsumer)
	router.Path("/consumers/{group}/instances/{instance}/offsets").Methods("POST").HandlerFunc(a.CommitOffsets)
	router.Path("/consumers/{group}/instances/{instance}/topics/{topic}").Methods("GET").HandlerFunc(a.ReadTopic)
	router.Path("/topics/{topic}").Methods("POST").HandlerFunc(a.Produce)
}

// CreateConsumer registers a new consumer instance in the group named by the
// URL and returns its id and base URI.
func (a *API) CreateConsumer(w http.ResponseWriter, r *http.Request) {
	group := mux.Vars(r)["group"]

	var req CreateConsumerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		a.respondError(w, http.StatusBadRequest, fmt.Sprintf("decoding request body: %s", err))
		return
	}
	cfg, err := req.instanceConfig()
	if err != nil {
		a.respondManagerError(w, r, err)
		return
	}

	id, err := a.manager.CreateConsumer(r.Context(), group, cfg)
	if err != nil {
		a.respondManagerError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, CreateConsumerResponse{
		InstanceID: id,
		BaseURI:    a.instanceURI(r, group, id),
	})
}

// DeleteConsumer removes a consumer instance and closes its broker handle.
func (a *API) DeleteConsumer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.manager.DeleteConsumer(r.Context(), vars["group"], vars["instance"]); err != nil {
		a.respondManagerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReadTopic reads records from a topic through a consumer instance. The call
// blocks until the instance's read completes; completion is governed by the
// manager's time and size budgets, not by the request context.
func (a *API) ReadTopic(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	group, instance, topic := vars["group"], vars["instance"], vars["topic"]

	maxRecords := 0
	if raw := r.URL.Query().Get("max_records"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			a.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid max_records %q", raw))
			return
		}
		maxRecords = n
	}

	// The embedded format is a property of the instance, fixed at creation.
	cfg, err := a.manager.InstanceConfig(group, instance)
	if err != nil {
		a.respondManagerError(w, r, err)
		return
	}

	type readResult struct {
		records []consumer.Record
		err     error
	}
	ch := make(chan readResult, 1)
	// The callback observes every outcome, including synchronous failures.
	_, _ = a.manager.ReadTopic(r.Context(), group, instance, topic, maxRecords, func(records []consumer.Record, err error) {
		ch <- readResult{records: records, err: err}
	})
	res := <-ch
	if res.err != nil {
		a.respondManagerError(w, r, res.err)
		return
	}

	switch cfg.Format {
	case consumer.FormatJSON:
		util.WriteJSONResponse(w, encodeJSONRecords(topic, res.records))
	default:
		util.WriteJSONResponse(w, encodeBinaryRecords(topic, res.records))
	}
}

// CommitOffsets commits all offsets the instance consumed since its previous
// commit and reports one entry per partition touched.
func (a *API) CommitOffsets(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	type commitResult struct {
		offsets []consumer.TopicPartitionOffset
		err     error
	}
	ch := make(chan commitResult, 1)
	// The callback observes every outcome, including synchronous failures.
	_, _ = a.manager.CommitOffsets(r.Context(), vars["group"], vars["instance"], func(offsets []consumer.TopicPartitionOffset, err error) {
		ch <- commitResult{offsets: offsets, err: err}
	})
	res := <-ch
	if res.err != nil {
		a.respondManagerError(w, r, res.err)
		return
	}
	util.WriteJSONResponse(w, CommitOffsetsResponse{Offsets: encodeOffsets(res.offsets)})
}

// Produce writes the records in the request body to a topic and reports one
// outcome per record, in request order.
func (a *API) Produce(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	format := r.URL.Query().Get("format")
	if format == "" {
		format = consumer.FormatBinary
	}

	records, err := decodeProduceRecords(format, topic, r.Body)
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	results := a.producer.ProduceSync(r.Context(), records)
	// Results arrive in completion order; map them back by record pointer.
	errByRecord := make(map[*kgo.Record]error, len(results))
	for _, res := range results {
		errByRecord[res.Record] = res.Err
	}

	offsets := make([]ProduceResponseOffset, 0, len(records))
	for _, rec := range records {
		resErr, ok := errByRecord[rec]
		if !ok {
			resErr = errors.New("produce aborted")
		}
		if resErr != nil {
			code := produceErrorCode(resErr)
			msg := resErr.Error()
			offsets = append(offsets, ProduceResponseOffset{ErrorCode: &code, Error: &msg})
			continue
		}
		partition, offset := rec.Partition, rec.Offset
		offsets = append(offsets, ProduceResponseOffset{Partition: &partition, Offset: &offset})
	}
	util.WriteJSONResponse(w, ProduceResponse{Offsets: offsets})
}

func decodeProduceRecords(format, topic string, body io.Reader) ([]*kgo.Record, error) {
	var records []*kgo.Record
	switch format {
	case consumer.FormatBinary:
		var req BinaryProduceRequest
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			return nil, fmt.Errorf("decoding request body: %w", err)
		}
		records = make([]*kgo.Record, 0, len(req.Records))
		for _, rec := range req.Records {
			partition, err := requestedPartition(rec.Partition)
			if err != nil {
				return nil, err
			}
			records = append(records, &kgo.Record{
				Topic:     topic,
				Key:       rec.Key,
				Value:     rec.Value,
				Partition: partition,
			})
		}
	case consumer.FormatJSON:
		var req JSONProduceRequest
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			return nil, fmt.Errorf("decoding request body: %w", err)
		}
		records = make([]*kgo.Record, 0, len(req.Records))
		for _, rec := range req.Records {
			partition, err := requestedPartition(rec.Partition)
			if err != nil {
				return nil, err
			}
			records = append(records, &kgo.Record{
				Topic:     topic,
				Key:       []byte(rec.Key),
				Value:     []byte(rec.Value),
				Partition: partition,
			})
		}
	default:
		return nil, fmt.Errorf("unknown embedded format %q", format)
	}
	if len(records) == 0 {
		return nil, errors.New("no records in produce request")
	}
	return records, nil
}

// requestedPartition maps an absent partition to the unset marker the record
// partitioner expects.
func requestedPartition(p *int32) (int32, error) {
	if p == nil {
		return -1, nil
	}
	if *p < 0 {
		return 0, fmt.Errorf("partition must not be negative, got %d", *p)
	}
	return *p, nil
}

func produceErrorCode(err error) int {
	if kerr.IsRetriable(err) {
		return produceErrorCodeRetriable
	}
	return produceErrorCodeNonRetriable
}

// instanceURI renders the base URI of a consumer instance, the one clients
// use for follow-up reads, commits and deletion.
func (a *API) instanceURI(r *http.Request, group, id string) string {
	base := a.cfg.AdvertisedURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return fmt.Sprintf("%s/consumers/%s/instances/%s", base, group, id)
}

// respondManagerError maps the error taxonomy of the consumer subsystem onto
// status codes.
func (a *API) respondManagerError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, consumer.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, consumer.ErrInvalidConfig):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		level.Warn(a.logger).Log("msg", "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	a.respondError(w, status, err.Error())
}

func (a *API) respondError(w http.ResponseWriter, status int, msg string) {
	b, err := json.Marshal(ErrorResponse{ErrorCode: status, Message: msg})
	if err != nil {
		level.Error(a.logger).Log("msg", "error marshaling json response", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if n, err := w.Write(b); err != nil {
		level.Error(a.logger).Log("msg", "error writing response", "bytesWritten", n, "err", err)
	}
}
