package index

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"estat-pipeline/internal/config"
	"estat-pipeline/internal/model"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

// captured 는 가짜 transport 가 받은 요청 1건.
type captured struct {
	Method string
	Path   string
	Query  map[string][]string
	Header http.Header
	Body   []byte // gzip 이면 풀어서 저장
}

type reply struct {
	status int
	body   string
	err    error
}

// fakeES 는 Elasticsearch 대신 응답하는 http.RoundTripper.
// GET / (Info) 는 항상 200 으로 응답한다.
type fakeES struct {
	mu       sync.Mutex
	requests []captured
	handle   func(c captured) reply
}

func (f *fakeES) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		raw, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		body = raw
		if req.Header.Get("Content-Encoding") == "gzip" {
			zr, err := gzip.NewReader(bytes.NewReader(raw))
			if err != nil {
				return nil, err
			}
			if body, err = io.ReadAll(zr); err != nil {
				return nil, err
			}
		}
	}

	c := captured{
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.Query(),
		Header: req.Header.Clone(),
		Body:   body,
	}

	r := reply{status: http.StatusOK, body: `{"version":{"number":"8.15.0"},"tagline":"You Know, for Search"}`}
	if c.Path != "/" {
		f.mu.Lock()
		f.requests = append(f.requests, c)
		f.mu.Unlock()
		r = f.handle(c)
	}
	if r.err != nil {
		return nil, r.err
	}

	return &http.Response{
		StatusCode: r.status,
		Status:     http.StatusText(r.status),
		Header: http.Header{
			"Content-Type":      []string{"application/json"},
			"X-Elastic-Product": []string{"Elasticsearch"},
		},
		Body:    io.NopCloser(strings.NewReader(r.body)),
		Request: req,
	}, nil
}

func (f *fakeES) seen() []captured {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]captured(nil), f.requests...)
}

var errConnRefused = errors.New("dial tcp 127.0.0.1:9200: connect: connection refused")

func testSearchConfig() config.SearchConfig {
	return config.SearchConfig{
		Addresses:     []string{"http://es.test:9200"},
		Pipeline:      "statsbro",
		PathField:     "url_parts.path",
		SlowThreshold: time.Second,
		Timeout:       time.Second,
	}
}

func testBreakerConfig() config.BreakerConfig {
	return config.BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute, HalfOpenRequests: 1}
}

func newTestClient(t *testing.T, cfg config.SearchConfig, es *fakeES) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), cfg, es)
	require.NoError(t, err)
	return c
}

func record(domain, url string) *model.VisitRecord {
	return &model.VisitRecord{
		URL:        url,
		Domain:     domain,
		EventName:  model.PageViewEvent,
		Timestamp:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Hash:       "h-" + domain,
		ScreenSize: model.ScreenMedium,
	}
}

func okBulk(n int) string {
	var b strings.Builder
	b.WriteString(`{"took":3,"errors":false,"items":[`)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(`{"index":{"_id":"x","status":201}}`)
	}
	b.WriteString(`]}`)
	return b.String()
}

// ndjsonLines 는 bulk body 를 줄 단위로 나눈다 (마지막 빈 줄 제외).
func ndjsonLines(body []byte) []string {
	return strings.Split(strings.TrimRight(string(body), "\n"), "\n")
}
