package index

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"

	"estat-pipeline/internal/metrics"
	"estat-pipeline/internal/model"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArchive struct {
	mu      sync.Mutex
	indexes []string
	records []*model.VisitRecord
}

func (f *fakeArchive) Archive(index string, records []*model.VisitRecord, _ error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexes = append(f.indexes, index)
	f.records = append(f.records, records...)
}

func TestNewClientFailsWhenUnreachable(t *testing.T) {
	_, err := NewClient(context.Background(), testSearchConfig(), roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errConnRefused
	}))
	assert.Error(t, err)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestIndexName(t *testing.T) {
	assert.Equal(t, "statsbro-example.com", IndexName("", "example.com"))
	assert.Equal(t, "prod-statsbro-example.com", IndexName("prod-", "example.com"))
}

func TestDocumentIDIsDeterministic(t *testing.T) {
	a := record("example.com", "https://example.com/a")
	b := record("example.com", "https://example.com/a")
	assert.Equal(t, DocumentID(a), DocumentID(b))

	b.URL = "https://example.com/b"
	assert.NotEqual(t, DocumentID(a), DocumentID(b))
	assert.NotContains(t, DocumentID(a), "/")
}

func TestWriteGroupsByDomain(t *testing.T) {
	es := &fakeES{handle: func(c captured) reply {
		return reply{status: 200, body: okBulk(len(ndjsonLines(c.Body)) / 2)}
	}}
	m := metrics.NewNop()
	w := NewWriter(newTestClient(t, testSearchConfig(), es), testBreakerConfig(), m, nil)

	err := w.Write(context.Background(), []*model.VisitRecord{
		record("a.com", "https://a.com/1"),
		record("b.com", "https://b.com/1"),
		record("a.com", "https://a.com/2"),
	})
	require.NoError(t, err)

	reqs := es.seen()
	require.Len(t, reqs, 2)
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].Path < reqs[j].Path })

	assert.Equal(t, "/statsbro-a.com/_bulk", reqs[0].Path)
	assert.Equal(t, "/statsbro-b.com/_bulk", reqs[1].Path)
	assert.Equal(t, []string{"statsbro"}, reqs[0].Query["pipeline"])

	lines := ndjsonLines(reqs[0].Body)
	require.Len(t, lines, 4)

	var action map[string]map[string]string
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &action))
	assert.Equal(t, DocumentID(record("a.com", "https://a.com/1")), action["index"]["_id"])

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &doc))
	assert.Equal(t, "https://a.com/1", doc["url"])
	assert.Equal(t, "a.com", doc["domain"])
	assert.Equal(t, "medium", doc["screen_size"])

	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsIndexed))
}

func TestWriteRefusesUnprocessedRecords(t *testing.T) {
	es := &fakeES{handle: func(captured) reply { return reply{status: 200, body: okBulk(1)} }}
	m := metrics.NewNop()
	w := NewWriter(newTestClient(t, testSearchConfig(), es), testBreakerConfig(), m, nil)

	raw := record("a.com", "https://a.com/")
	raw.Hash = ""

	require.NoError(t, w.Write(context.Background(), []*model.VisitRecord{raw, nil}))
	assert.Empty(t, es.seen())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues(metrics.ReasonNotReady)))
}

func TestWriteItemFailures(t *testing.T) {
	es := &fakeES{handle: func(captured) reply {
		return reply{status: 200, body: `{"took":1,"errors":true,"items":[
			{"index":{"_id":"1","status":201}},
			{"index":{"_id":"2","status":400,"error":{"type":"mapper_parsing_exception","reason":"failed to parse field [timestamp]"}}}
		]}`}
	}}
	m := metrics.NewNop()
	arch := &fakeArchive{}
	w := NewWriter(newTestClient(t, testSearchConfig(), es), testBreakerConfig(), m, arch)

	second := record("a.com", "https://a.com/2")
	err := w.Write(context.Background(), []*model.VisitRecord{record("a.com", "https://a.com/1"), second})

	var berr *BulkError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, KindItem, berr.Kind)
	assert.Equal(t, 1, berr.Failed)
	assert.Equal(t, 400, berr.Status)
	assert.False(t, berr.Temporary())
	assert.Contains(t, berr.Error(), "mapper_parsing_exception")

	assert.Equal(t, []*model.VisitRecord{second}, arch.records)
	assert.Equal(t, []string{"statsbro-a.com"}, arch.indexes)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsIndexed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BulkErrors.WithLabelValues(KindItem)))
}

func TestWriteStatusErrors(t *testing.T) {
	cases := []struct {
		status    int
		temporary bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadRequest, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			es := &fakeES{handle: func(captured) reply {
				return reply{status: tc.status, body: `{"error":{"type":"x"}}`}
			}}
			arch := &fakeArchive{}
			w := NewWriter(newTestClient(t, testSearchConfig(), es), testBreakerConfig(), metrics.NewNop(), arch)

			err := w.Write(context.Background(), []*model.VisitRecord{record("a.com", "https://a.com/")})

			var berr *BulkError
			require.ErrorAs(t, err, &berr)
			assert.Equal(t, KindStatus, berr.Kind)
			assert.Equal(t, tc.status, berr.Status)
			assert.Equal(t, tc.temporary, berr.Temporary())
			assert.Len(t, arch.records, 1)
		})
	}
}

func TestWriteBreakerOpensOnTransportFailures(t *testing.T) {
	es := &fakeES{handle: func(captured) reply { return reply{err: errConnRefused} }}
	m := metrics.NewNop()
	w := NewWriter(newTestClient(t, testSearchConfig(), es), testBreakerConfig(), m, nil)
	recs := []*model.VisitRecord{record("a.com", "https://a.com/")}

	for i := 0; i < 2; i++ {
		var berr *BulkError
		require.ErrorAs(t, w.Write(context.Background(), recs), &berr)
		assert.Equal(t, KindTransport, berr.Kind)
		assert.True(t, berr.Temporary())
	}

	var berr *BulkError
	require.ErrorAs(t, w.Write(context.Background(), recs), &berr)
	assert.Equal(t, KindBreaker, berr.Kind)
	assert.True(t, berr.Temporary())

	// open 상태에서는 요청 자체를 보내지 않는다
	assert.Len(t, es.seen(), 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BulkErrors.WithLabelValues(KindBreaker)))
}

func TestWriteClientErrorsDoNotOpenBreaker(t *testing.T) {
	es := &fakeES{handle: func(captured) reply { return reply{status: 400, body: `{}`} }}
	w := NewWriter(newTestClient(t, testSearchConfig(), es), testBreakerConfig(), metrics.NewNop(), nil)
	recs := []*model.VisitRecord{record("a.com", "https://a.com/")}

	for i := 0; i < 5; i++ {
		var berr *BulkError
		require.ErrorAs(t, w.Write(context.Background(), recs), &berr)
		assert.Equal(t, KindStatus, berr.Kind)
	}
	assert.Len(t, es.seen(), 5)
}

func TestWriteGroupsAreIndependent(t *testing.T) {
	es := &fakeES{handle: func(c captured) reply {
		if strings.Contains(c.Path, "bad.com") {
			return reply{status: 500, body: `{}`}
		}
		return reply{status: 200, body: okBulk(1)}
	}}
	m := metrics.NewNop()
	w := NewWriter(newTestClient(t, testSearchConfig(), es), testBreakerConfig(), m, nil)

	err := w.Write(context.Background(), []*model.VisitRecord{
		record("bad.com", "https://bad.com/"),
		record("good.com", "https://good.com/"),
	})
	require.Error(t, err)

	var berr *BulkError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, "statsbro-bad.com", berr.Index)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsIndexed))
}

func TestWriteCompressedBody(t *testing.T) {
	es := &fakeES{handle: func(captured) reply { return reply{status: 200, body: okBulk(1)} }}
	cfg := testSearchConfig()
	cfg.Compress = true
	w := NewWriter(newTestClient(t, cfg, es), testBreakerConfig(), metrics.NewNop(), nil)

	require.NoError(t, w.Write(context.Background(), []*model.VisitRecord{record("a.com", "https://a.com/")}))

	reqs := es.seen()
	require.Len(t, reqs, 1)
	assert.Equal(t, "gzip", reqs[0].Header.Get("Content-Encoding"))
	assert.Len(t, ndjsonLines(reqs[0].Body), 2)
}
