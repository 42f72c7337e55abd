package index

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"estat-pipeline/internal/config"
	"estat-pipeline/internal/logger"
	"estat-pipeline/internal/metrics"
	"estat-pipeline/internal/model"
	"estat-pipeline/internal/pool"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"
)

// Archiver 는 bulk 에 실패한 레코드를 받아 보관한다 (*archive.Archiver).
// 호출은 non-blocking 이어야 한다.
type Archiver interface {
	Archive(index string, records []*model.VisitRecord, cause error)
}

// Writer
// ------------------------------------------------------------
// 레코드를 도메인별로 묶어 도메인 색인에 bulk 로 쓴다.
//
//   - 그룹마다 bulk 요청 1회, 모든 그룹을 동시에 보내고 함께 기다린다
//   - 서버 측 ingest pipeline (geo / UA / URL 분해) 을 거친다
//   - 문서 _id 는 내용에서 결정되므로 같은 메시지가 다시 와도 덮어쓰기만 된다
//   - 실패는 warn 로그 + metrics. 재시도하지 않는다
type Writer struct {
	es       *elasticsearch.Client
	prefix   string
	pipeline string
	compress bool
	slow     time.Duration
	timeout  time.Duration

	breaker *gobreaker.CircuitBreaker[*bulkResponse]
	archive Archiver
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewWriter 의 archive 는 nil 이어도 된다 (보관 비활성).
func NewWriter(c *Client, bc config.BreakerConfig, m *metrics.Metrics, archive Archiver) *Writer {
	w := &Writer{
		es:       c.es,
		prefix:   c.cfg.IndexPrefix,
		pipeline: c.cfg.Pipeline,
		compress: c.cfg.Compress,
		slow:     c.cfg.SlowThreshold,
		timeout:  c.cfg.Timeout,
		archive:  archive,
		metrics:  m,
		log:      logger.Component("index.writer"),
	}
	w.breaker = newBreaker[*bulkResponse]("es-bulk", bc, func(from, to gobreaker.State) {
		w.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("bulk circuit breaker state changed")
	})
	return w
}

type bulkAction struct {
	Index bulkTarget `json:"index"`
}

type bulkTarget struct {
	ID string `json:"_id"`
}

type bulkResponse struct {
	Took   int                   `json:"took"`
	Errors bool                  `json:"errors"`
	Items  []map[string]bulkItem `json:"items"`
}

type bulkItem struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

// DocumentID 는 레코드 내용에서 결정되는 문서 id.
// 방문자 hash + 시각 + url + 이벤트 이름이 같으면 같은 문서로 본다.
func DocumentID(rec *model.VisitRecord) string {
	h := sha256.New()
	io.WriteString(h, rec.Hash)
	h.Write([]byte{'|'})
	io.WriteString(h, rec.Timestamp.UTC().Format(time.RFC3339Nano))
	h.Write([]byte{'|'})
	io.WriteString(h, rec.URL)
	h.Write([]byte{'|'})
	io.WriteString(h, rec.EventName)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Write 는 모든 그룹이 끝날 때까지 기다린다.
// 반환 에러는 그룹별 *BulkError 를 errors.Join 한 것이며 진단용이다.
func (w *Writer) Write(ctx context.Context, records []*model.VisitRecord) error {
	groups := make(map[string][]*model.VisitRecord)
	var order []string
	for _, rec := range records {
		if !rec.Ready() {
			// filter/processor 를 거치지 않은 레코드는 절대 쓰지 않는다
			w.metrics.EventsDropped.WithLabelValues(metrics.ReasonNotReady).Inc()
			w.log.Error().Str("url", recURL(rec)).Msg("refusing to index unprocessed record")
			continue
		}
		if _, ok := groups[rec.Domain]; !ok {
			order = append(order, rec.Domain)
		}
		groups[rec.Domain] = append(groups[rec.Domain], rec)
	}
	if len(order) == 0 {
		return nil
	}

	errs := make([]error, len(order))
	var g errgroup.Group
	for i, domain := range order {
		g.Go(func() error {
			errs[i] = w.writeGroup(ctx, IndexName(w.prefix, domain), groups[domain])
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

func (w *Writer) writeGroup(ctx context.Context, index string, recs []*model.VisitRecord) error {
	body, err := encodeBulk(recs)
	if err != nil {
		// 직렬화 실패는 코드 버그에 가깝다. 재시도 의미 없음.
		w.metrics.BulkErrors.WithLabelValues(KindStatus).Inc()
		w.log.Error().Err(err).Str("index", index).Msg("bulk encode failed")
		return &BulkError{Index: index, Kind: KindStatus, Failed: len(recs), Err: err}
	}
	defer pool.PutBuffer(body)

	start := time.Now()
	res, err := w.breaker.Execute(func() (*bulkResponse, error) {
		return w.send(ctx, index, body.Bytes())
	})
	elapsed := time.Since(start)
	w.metrics.ObserveBulk(elapsed)

	if elapsed > w.slow {
		w.log.Warn().Str("index", index).Int("docs", len(recs)).Dur("elapsed", elapsed).Msg("slow bulk request")
	}

	if err != nil {
		berr := classify(index, len(recs), err)
		w.metrics.BulkErrors.WithLabelValues(berr.Kind).Inc()
		w.log.Warn().Err(err).Str("index", index).Int("docs", len(recs)).Msg("bulk request failed")
		w.toArchive(index, recs, berr)
		return berr
	}

	return w.inspect(index, recs, res)
}

// send 는 bulk 1회. breaker 가 실패로 세야 하는 경우(transport, 429, 5xx)만 error 를 돌려준다.
func (w *Writer) send(ctx context.Context, index string, ndjson []byte) (*bulkResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	opts := []func(*esapi.BulkRequest){
		w.es.Bulk.WithContext(ctx),
		w.es.Bulk.WithIndex(index),
	}
	if w.pipeline != "" {
		opts = append(opts, w.es.Bulk.WithPipeline(w.pipeline))
	}

	var reader io.Reader = bytes.NewReader(ndjson)
	if w.compress {
		zbuf := pool.GetBuffer()
		defer pool.PutBuffer(zbuf)
		if err := pool.Gzip(zbuf, ndjson); err != nil {
			return nil, fmt.Errorf("gzip bulk body: %w", err)
		}
		reader = bytes.NewReader(zbuf.Bytes())
		opts = append(opts, w.es.Bulk.WithHeader(map[string]string{"Content-Encoding": "gzip"}))
	}

	res, err := w.es.Bulk(reader, opts...)
	if err != nil {
		return nil, err
	}
	defer drain(res.Body)

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		serr := &statusError{code: res.StatusCode, body: string(msg)}
		if retryableStatus(res.StatusCode) {
			return nil, serr
		}
		// 4xx 는 ES 가 살아있다는 뜻이므로 breaker 실패로 세지 않는다.
		return nil, &permanent{serr}
	}

	var out bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}
	return &out, nil
}

func (w *Writer) inspect(index string, recs []*model.VisitRecord, res *bulkResponse) error {
	if !res.Errors {
		w.metrics.EventsIndexed.Add(float64(len(recs)))
		return nil
	}

	var (
		failed     []*model.VisitRecord
		status     int
		reason     string
		succeeded  int
		retryable  = true
		firstError = true
	)
	for i, entry := range res.Items {
		for _, item := range entry {
			if item.Status < 300 {
				succeeded++
				continue
			}
			if i < len(recs) {
				failed = append(failed, recs[i])
			}
			if !retryableStatus(item.Status) {
				retryable = false
			}
			if firstError {
				firstError = false
				status = item.Status
				if item.Error != nil {
					reason = item.Error.Type + ": " + item.Error.Reason
				}
			}
		}
	}

	w.metrics.EventsIndexed.Add(float64(succeeded))
	if len(failed) == 0 {
		return nil
	}
	if !retryable && retryableStatus(status) {
		// 대표 status 로 Temporary() 를 판단하므로, 섞여 있으면 영구 실패 쪽으로 맞춘다
		status = 400
	}

	berr := &BulkError{Index: index, Kind: KindItem, Status: status, Failed: len(failed), Reason: reason}
	w.metrics.BulkErrors.WithLabelValues(KindItem).Inc()
	w.log.Warn().
		Str("index", index).
		Int("failed", len(failed)).
		Int("succeeded", succeeded).
		Int("status", status).
		Str("reason", reason).
		Msg("bulk items rejected")
	w.toArchive(index, failed, berr)
	return berr
}

func (w *Writer) toArchive(index string, recs []*model.VisitRecord, cause error) {
	if w.archive == nil || len(recs) == 0 {
		return
	}
	w.archive.Archive(index, recs, cause)
}

func classify(index string, n int, err error) *BulkError {
	var perm *permanent
	switch {
	case isBreakerOpen(err):
		return &BulkError{Index: index, Kind: KindBreaker, Failed: n, Err: err}
	case errors.As(err, &perm):
		return &BulkError{Index: index, Kind: KindStatus, Status: perm.code, Failed: n, Reason: perm.body}
	}
	var serr *statusError
	if errors.As(err, &serr) {
		return &BulkError{Index: index, Kind: KindStatus, Status: serr.code, Failed: n, Reason: serr.body}
	}
	return &BulkError{Index: index, Kind: KindTransport, Failed: n, Err: err}
}

func encodeBulk(recs []*model.VisitRecord) (*bytes.Buffer, error) {
	buf := pool.GetBuffer()
	enc := json.NewEncoder(buf)
	for _, rec := range recs {
		// Encoder.Encode 는 줄 끝에 '\n' 을 붙인다 (NDJSON)
		if err := enc.Encode(bulkAction{Index: bulkTarget{ID: DocumentID(rec)}}); err != nil {
			pool.PutBuffer(buf)
			return nil, err
		}
		if err := enc.Encode(rec); err != nil {
			pool.PutBuffer(buf)
			return nil, err
		}
	}
	return buf, nil
}

func recURL(rec *model.VisitRecord) string {
	if rec == nil {
		return ""
	}
	return rec.URL
}
