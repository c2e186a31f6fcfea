package search

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsprocessor/internal/domain"
	dErrors "dsprocessor/pkg/domain-errors"
	"dsprocessor/pkg/platform/circuit"
)

type fakeCluster struct {
	mu       sync.Mutex
	requests []string
	bodies   []string
	handler  func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	f.bodies = append(f.bodies, string(body))
	f.mu.Unlock()
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	f.handler(w, r)
}

func newIndex(t *testing.T, cluster *fakeCluster, opts ...Option) *Index {
	t.Helper()
	srv := httptest.NewServer(cluster)
	t.Cleanup(srv.Close)
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{srv.URL},
		DisableRetry: true,
	})
	require.NoError(t, err)
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	idx, err := New(client, "digital-specimen", "digital-media", opts...)
	require.NoError(t, err)
	return idx
}

func records(pids ...string) []domain.Record {
	out := make([]domain.Record, len(pids))
	for i, pid := range pids {
		out[i] = domain.Record{
			PID:     pid,
			Kind:    domain.KindSpecimen,
			Version: 1,
			Wrapper: domain.Wrapper{NaturalKey: "key-" + pid, Attributes: domain.Attributes{"organisationId": "ORG1"}},
		}
	}
	return out
}

func TestNew_RequiresClientAndIndices(t *testing.T) {
	_, err := New(nil, "a", "b")
	assert.Error(t, err)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{"http://localhost:1"}})
	require.NoError(t, err)
	_, err = New(client, "", "b")
	assert.Error(t, err)
}

func TestIndexBatch_WritesNDJSON(t *testing.T) {
	cluster := &fakeCluster{handler: func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"took":3,"errors":false,"items":[
			{"index":{"_id":"P1","status":201}},{"index":{"_id":"P2","status":200}}]}`)
	}}
	idx := newIndex(t, cluster)

	res, err := idx.IndexBatch(context.Background(), domain.KindSpecimen, records("P1", "P2"))
	require.NoError(t, err)
	assert.False(t, res.HasFailures())

	require.Len(t, cluster.requests, 1)
	assert.Equal(t, "POST /digital-specimen/_bulk", cluster.requests[0])

	var lines []string
	sc := bufio.NewScanner(strings.NewReader(cluster.bodies[0]))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.Len(t, lines, 4)
	assert.JSONEq(t, `{"index":{"_index":"digital-specimen","_id":"P1"}}`, lines[0])
	var doc domain.Record
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &doc))
	assert.Equal(t, "P1", doc.PID)
}

func TestIndexBatch_ReportsRejectedDocuments(t *testing.T) {
	cluster := &fakeCluster{handler: func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"took":3,"errors":true,"items":[
			{"index":{"_id":"P1","status":201}},
			{"index":{"_id":"P2","status":400,"error":{"type":"mapper_parsing_exception","reason":"bad date"}}},
			{"index":{"_id":"P3","status":429,"error":{"type":"es_rejected_execution_exception","reason":"queue full"}}}]}`)
	}}
	idx := newIndex(t, cluster)

	res, err := idx.IndexBatch(context.Background(), domain.KindSpecimen, records("P1", "P2", "P3"))
	require.NoError(t, err)
	require.Len(t, res.Failed, 2)
	assert.Contains(t, res.Failed["P2"].Error(), "mapper_parsing_exception")
	assert.False(t, dErrors.IsRetryable(res.Failed["P2"]))
	assert.True(t, dErrors.IsRetryable(res.Failed["P3"]))
}

func TestIndexBatch_ClusterFailureOpensBreaker(t *testing.T) {
	cluster := &fakeCluster{handler: func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":"unavailable"}`)
	}}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	breaker := circuit.New("search",
		circuit.WithFailureThreshold(2),
		circuit.WithCooldown(time.Minute),
		circuit.WithClock(func() time.Time { return now }))
	idx := newIndex(t, cluster, WithBreaker(breaker))

	for range 2 {
		_, err := idx.IndexBatch(context.Background(), domain.KindSpecimen, records("P1"))
		require.Error(t, err)
		assert.True(t, dErrors.IsRetryable(err))
	}
	assert.True(t, breaker.IsOpen())

	_, err := idx.IndexBatch(context.Background(), domain.KindSpecimen, records("P1"))
	require.Error(t, err)
	assert.True(t, dErrors.IsRetryable(err))
	assert.Len(t, cluster.requests, 2, "open breaker fails fast without calling the cluster")
}

func TestRollbackDocument_IgnoresMissing(t *testing.T) {
	cluster := &fakeCluster{handler: func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"result":"not_found"}`)
	}}
	idx := newIndex(t, cluster)

	require.NoError(t, idx.RollbackDocument(context.Background(), domain.KindMedia, "20.5000.1025/M1"))
	assert.Equal(t, "DELETE /digital-media/_doc/20.5000.1025/M1", cluster.requests[0])
}

func TestRollbackToVersion_RewritesPreviousDocument(t *testing.T) {
	cluster := &fakeCluster{handler: func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"result":"updated"}`)
	}}
	idx := newIndex(t, cluster)

	prev := records("P1")[0]
	require.NoError(t, idx.RollbackToVersion(context.Background(), prev))
	require.Len(t, cluster.requests, 1)
	assert.Equal(t, "PUT /digital-specimen/_doc/P1", cluster.requests[0])
	assert.Contains(t, cluster.bodies[0], `"organisationId":"ORG1"`)
}
