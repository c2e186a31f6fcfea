// Package search keeps the Elasticsearch copy of records in step with the
// relational store.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"dsprocessor/internal/domain"
	"dsprocessor/internal/platform/config"
	"dsprocessor/internal/platform/metrics"
	dErrors "dsprocessor/pkg/domain-errors"
	"dsprocessor/pkg/platform/circuit"
	"dsprocessor/pkg/platform/sentinel"
)

var errBreakerOpen = fmt.Errorf("%w: search circuit breaker open", sentinel.ErrUnavailable)

// Index writes records to one index per kind. Cluster-level failures feed a
// circuit breaker; while it is open calls fail fast as transient.
type Index struct {
	client  *elasticsearch.Client
	indices map[domain.Kind]string
	breaker *circuit.Breaker
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Index)

func WithLogger(logger *slog.Logger) Option {
	return func(i *Index) { i.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Index) { i.metrics = m }
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(i *Index) { i.breaker = b }
}

// NewClient builds the Elasticsearch client from configuration. transport
// may be nil.
func NewClient(cfg config.SearchConfig, transport http.RoundTripper) (*elasticsearch.Client, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return client, nil
}

func New(client *elasticsearch.Client, specimenIndex, mediaIndex string, opts ...Option) (*Index, error) {
	if client == nil {
		return nil, errors.New("elasticsearch client is required")
	}
	if specimenIndex == "" || mediaIndex == "" {
		return nil, errors.New("index names are required")
	}
	i := &Index{
		client: client,
		indices: map[domain.Kind]string{
			domain.KindSpecimen: specimenIndex,
			domain.KindMedia:    mediaIndex,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.breaker == nil {
		i.breaker = circuit.New("search")
	}
	return i, nil
}

type bulkAction struct {
	Index bulkTarget `json:"index"`
}

type bulkTarget struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error,omitempty"`
	} `json:"items"`
}

// IndexBatch upserts records with one bulk request. A failed request fails
// the whole call; rejected documents are reported per PID in the result.
func (i *Index) IndexBatch(ctx context.Context, kind domain.Kind, records []domain.Record) (domain.BulkResult, error) {
	result := domain.BulkResult{Failed: map[string]error{}}
	if len(records) == 0 {
		return result, nil
	}
	index, err := i.index(kind)
	if err != nil {
		return result, err
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, r := range records {
		if err := enc.Encode(bulkAction{Index: bulkTarget{Index: index, ID: r.PID}}); err != nil {
			return result, dErrors.Wrap(err, dErrors.CodeInternal, "encode bulk action")
		}
		if err := enc.Encode(r); err != nil {
			return result, dErrors.Wrap(err, dErrors.CodeInternal, "encode document "+r.PID)
		}
	}

	var parsed bulkResponse
	err = i.call(ctx, "bulk index", func() (*esapi.Response, error) {
		return i.client.Bulk(&body, i.client.Bulk.WithContext(ctx), i.client.Bulk.WithIndex(index))
	}, func(res *esapi.Response) error {
		return json.NewDecoder(res.Body).Decode(&parsed)
	})
	if err != nil {
		return result, err
	}
	if !parsed.Errors {
		return result, nil
	}
	for _, item := range parsed.Items {
		for _, outcome := range item {
			if outcome.Error == nil && outcome.Status < 300 {
				continue
			}
			reason := fmt.Sprintf("status %d", outcome.Status)
			if outcome.Error != nil {
				reason = outcome.Error.Type + ": " + outcome.Error.Reason
			}
			code := dErrors.CodeInternal
			if outcome.Status == http.StatusTooManyRequests || outcome.Status >= 500 {
				code = dErrors.CodeTransient
			}
			result.Failed[outcome.ID] = dErrors.New(code, "index "+outcome.ID+": "+reason)
		}
	}
	if result.HasFailures() {
		i.logger.WarnContext(ctx, "bulk index rejected documents",
			"index", index,
			"failed", len(result.Failed),
			"total", len(records),
		)
	}
	return result, nil
}

// RollbackDocument removes the document of a record that was just created.
// A missing document is not an error.
func (i *Index) RollbackDocument(ctx context.Context, kind domain.Kind, pid string) error {
	index, err := i.index(kind)
	if err != nil {
		return err
	}
	return i.call(ctx, "delete document", func() (*esapi.Response, error) {
		return i.client.Delete(index, pid, i.client.Delete.WithContext(ctx))
	}, nil, http.StatusNotFound)
}

// RollbackToVersion writes prev back as the current document.
func (i *Index) RollbackToVersion(ctx context.Context, prev domain.Record) error {
	index, err := i.index(prev.Kind)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(prev)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "encode document "+prev.PID)
	}
	return i.call(ctx, "restore document", func() (*esapi.Response, error) {
		return i.client.Index(index, bytes.NewReader(doc),
			i.client.Index.WithContext(ctx),
			i.client.Index.WithDocumentID(prev.PID))
	}, nil)
}

func (i *Index) Health(ctx context.Context) error {
	res, err := i.client.Ping(i.client.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch ping: %s", res.Status())
	}
	return nil
}

func (i *Index) index(kind domain.Kind) (string, error) {
	index, ok := i.indices[kind]
	if !ok {
		return "", dErrors.Newf(dErrors.CodeInternal, "no index for kind %q", kind)
	}
	return index, nil
}

// call runs one request through the breaker. Statuses listed in accept are
// treated as success without decoding.
func (i *Index) call(
	ctx context.Context,
	op string,
	do func() (*esapi.Response, error),
	decode func(*esapi.Response) error,
	accept ...int,
) error {
	if !i.breaker.Allow() {
		return dErrors.Wrap(errBreakerOpen, dErrors.CodeTransient, op)
	}

	res, err := do()
	if err != nil {
		i.recordFailure(ctx)
		return dErrors.Wrap(fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err), dErrors.CodeTransient, op)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}()

	for _, status := range accept {
		if res.StatusCode == status {
			i.recordSuccess(ctx)
			return nil
		}
	}
	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
		i.recordFailure(ctx)
		return dErrors.Newf(dErrors.CodeTransient, "%s: cluster returned %s", op, res.Status())
	}
	i.recordSuccess(ctx)
	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return dErrors.Newf(dErrors.CodeInternal, "%s: %s: %s", op, res.Status(), bytes.TrimSpace(msg))
	}
	if decode != nil {
		if err := decode(res); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "decode "+op+" response")
		}
	}
	return nil
}

func (i *Index) recordFailure(ctx context.Context) {
	if _, change := i.breaker.RecordFailure(); change.Opened {
		i.logger.WarnContext(ctx, "search circuit breaker opened", "breaker", i.breaker.Name())
		i.metrics.SetSearchBreakerOpen(true)
	}
}

func (i *Index) recordSuccess(ctx context.Context) {
	if _, change := i.breaker.RecordSuccess(); change.Closed {
		i.logger.InfoContext(ctx, "search circuit breaker closed", "breaker", i.breaker.Name())
		i.metrics.SetSearchBreakerOpen(false)
	}
}
