package index

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"estat-pipeline/internal/config"
	"estat-pipeline/internal/logger"
	"estat-pipeline/internal/metrics"
	"estat-pipeline/internal/model"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// MaxTimeSpent 는 한 페이지 체류시간의 상한.
// 탭을 열어두고 자리를 비운 시간이 그대로 들어가지 않도록 자른다.
const MaxTimeSpent = 15 * time.Minute

// 이전 문서의 timestamp 와 지금 이벤트 시각의 차이(ms)를 상한으로 잘라 기록한다.
const timeSpentScript = `long prev = ZonedDateTime.parse(ctx._source.timestamp).toInstant().toEpochMilli();
long spent = params.now - prev;
if (spent < 0) { spent = 0; }
ctx._source.time_spent = Math.min(spent, params.max_ms);`

// Backfill
// ------------------------------------------------------------
// 같은 방문자(hash)의 다음 이벤트가 도착하면, 그 referrer 경로로 기록된 직전 pageview 문서에
// time_spent 를 채운다. 클라이언트 타이머 없이 페이지 체류시간을 얻는 방법이다.
//
//	pageview /a (t=0)   ─┐
//	pageview /b (t=40s)  ├─ referrer=/a → /a 문서에 time_spent=40000
//
// best-effort: 실패는 로그만 남기고 재시도하지 않는다.
type Backfill struct {
	es        *elasticsearch.Client
	prefix    string
	pathField string
	timeout   time.Duration

	breaker *gobreaker.CircuitBreaker[int]
	metrics *metrics.Metrics
	log     zerolog.Logger

	// Wait 이후에는 새 backfill 을 시작하지 않는다 (wg.Add 와 wg.Wait 가 겹치지 않도록)
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewBackfill(c *Client, bc config.BreakerConfig, m *metrics.Metrics) *Backfill {
	b := &Backfill{
		es:        c.es,
		prefix:    c.cfg.IndexPrefix,
		pathField: c.cfg.PathField,
		timeout:   c.cfg.Timeout,
		metrics:   m,
		log:       logger.Component("index.backfill"),
	}
	b.breaker = newBreaker[int]("es-backfill", bc, func(from, to gobreaker.State) {
		b.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("backfill circuit breaker state changed")
	})
	return b
}

// UpdatePrevious 는 즉시 반환한다. 실제 update 는 별도 goroutine 에서 실행된다.
// referrer 가 없거나, 절대 URI 가 아니거나, 다른 사이트에서 온 경우는 아무것도 하지 않는다.
func (b *Backfill) UpdatePrevious(rec *model.VisitRecord) {
	path, ok := previousPath(rec)
	if !ok {
		b.metrics.Backfills.WithLabelValues("skipped").Inc()
		return
	}

	body, err := b.query(rec, path)
	if err != nil {
		b.metrics.Backfills.WithLabelValues("error").Inc()
		b.log.Error().Err(err).Msg("build backfill query")
		return
	}
	index := IndexName(b.prefix, rec.Domain)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.metrics.Backfills.WithLabelValues("skipped").Inc()
		b.log.Debug().Str("index", index).Msg("backfill after shutdown, skipped")
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		// 메시지 처리 context 와 무관하게 자체 timeout 으로만 제한한다
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()

		updated, err := b.breaker.Execute(func() (int, error) {
			return b.send(ctx, index, body)
		})
		switch {
		case err != nil:
			b.metrics.Backfills.WithLabelValues("error").Inc()
			b.log.Warn().Err(err).Str("index", index).Str("path", path).Msg("time-spent backfill failed")
		case updated == 0:
			b.metrics.Backfills.WithLabelValues("noop").Inc()
		default:
			b.metrics.Backfills.WithLabelValues("updated").Inc()
		}
	}()
}

// Wait 는 새 backfill 접수를 멈추고, 진행 중인 backfill 이 끝나길 최대 timeout 만큼 기다린다.
// 시간 안에 모두 끝나면 true.
func (b *Backfill) Wait(timeout time.Duration) bool {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// previousPath 는 referrer 가 같은 사이트 내부 이동일 때 그 경로를 돌려준다.
func previousPath(rec *model.VisitRecord) (string, bool) {
	if rec == nil || rec.Referrer == "" || rec.Hash == "" {
		return "", false
	}
	u, err := url.Parse(rec.Referrer)
	if err != nil || !u.IsAbs() || u.Hostname() == "" {
		return "", false
	}
	if !strings.EqualFold(u.Hostname(), rec.Domain) {
		return "", false
	}
	if u.Path == "" {
		return "/", true
	}
	return u.Path, true
}

type esQuery = map[string]any

func (b *Backfill) query(rec *model.VisitRecord, path string) ([]byte, error) {
	now := rec.Timestamp.UTC()
	q := esQuery{
		"query": esQuery{
			"bool": esQuery{
				"filter": []esQuery{
					{"term": esQuery{"hash": rec.Hash}},
					{"term": esQuery{"event_name": model.PageViewEvent}},
					{"term": esQuery{b.pathField: path}},
					{"range": esQuery{"timestamp": esQuery{"lt": now.Format(time.RFC3339Nano)}}},
				},
				"must_not": []esQuery{
					{"exists": esQuery{"field": "time_spent"}},
				},
			},
		},
		"script": esQuery{
			"lang":   "painless",
			"source": timeSpentScript,
			"params": esQuery{
				"now":    now.UnixMilli(),
				"max_ms": MaxTimeSpent.Milliseconds(),
			},
		},
	}
	return json.Marshal(q)
}

type updateByQueryResponse struct {
	Updated  int   `json:"updated"`
	Failures []any `json:"failures"`
}

func (b *Backfill) send(ctx context.Context, index string, body []byte) (int, error) {
	ubq := b.es.UpdateByQuery
	res, err := ubq(
		[]string{index},
		ubq.WithContext(ctx),
		ubq.WithBody(bytes.NewReader(body)),
		ubq.WithConflicts("proceed"),
		ubq.WithSort("timestamp:desc"),
		ubq.WithMaxDocs(1),
		ubq.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return 0, err
	}
	defer drain(res.Body)

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		serr := &statusError{code: res.StatusCode, body: string(msg)}
		if retryableStatus(res.StatusCode) {
			return 0, serr
		}
		return 0, &permanent{serr}
	}

	var out updateByQueryResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode update_by_query response: %w", err)
	}
	if len(out.Failures) > 0 {
		return out.Updated, &permanent{&statusError{code: res.StatusCode, body: fmt.Sprintf("%d failures", len(out.Failures))}}
	}
	return out.Updated, nil
}
