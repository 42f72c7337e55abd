// Package archive 는 bulk 에 실패한 레코드를 S3 에 gzip JSONL 로 남긴다.
//
// 재전송 경로가 아니다. 보관된 파일을 다시 넣는 것은 운영자 작업이다.
package archive

import (
	"context"
	"sync"
	"time"

	"estat-pipeline/internal/config"
	"estat-pipeline/internal/logger"
	"estat-pipeline/internal/metrics"
	"estat-pipeline/internal/model"

	"github.com/rs/zerolog"
)

// Uploader 는 완성된 object 를 저장한다 (*S3Uploader).
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte) error
}

// Batch 는 한 번의 bulk 요청에서 실패한 레코드 묶음.
type Batch struct {
	Index   string
	Records []*model.VisitRecord
	Cause   error
	At      time.Time
}

// Archiver
// ------------------------------------------------------------
// index.Writer 가 부르는 Archive 는 절대 막히지 않는다.
//
//	Archive ─▶ queue(cap=QueueSize) ─▶ Run goroutine ─▶ encode ─▶ Upload
//	             └─ 가득 차면 drop (metrics: dropped)
//
// 종료 순서: worker drain 이 끝난 뒤 Close → 남은 배치를 timeout 안에서 처리.
type Archiver struct {
	up       Uploader
	prefix   string
	instance string
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time

	queue chan Batch
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

func New(up Uploader, cfg config.ArchiveConfig, instanceID string, m *metrics.Metrics) *Archiver {
	size := cfg.QueueSize
	if size < 1 {
		size = 1
	}
	return &Archiver{
		up:       up,
		prefix:   cfg.Prefix,
		instance: instanceID,
		metrics:  m,
		log:      logger.Component("archive"),
		now:      time.Now,
		queue:    make(chan Batch, size),
		done:     make(chan struct{}),
	}
}

// Archive 는 배치를 큐에 넣는다. 큐가 가득 찼거나 이미 닫혔으면 버린다.
func (a *Archiver) Archive(index string, records []*model.VisitRecord, cause error) {
	if len(records) == 0 {
		return
	}
	b := Batch{Index: index, Records: records, Cause: cause, At: a.now()}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.drop(b, "archive closed")
		return
	}
	select {
	case a.queue <- b:
	default:
		a.drop(b, "archive queue full")
	}
}

func (a *Archiver) drop(b Batch, msg string) {
	a.metrics.ArchiveBatches.WithLabelValues("dropped").Inc()
	a.log.Warn().Str("index", b.Index).Int("records", len(b.Records)).Msg(msg)
}

// Run 은 Close 가 불릴 때까지 큐를 비운다.
// ctx 는 진행 중인 업로드에만 쓰인다 (ctx 가 끝나면 남은 배치는 failed 로 빠르게 소진된다).
func (a *Archiver) Run(ctx context.Context) {
	defer close(a.done)
	for b := range a.queue {
		a.store(ctx, b)
	}
}

func (a *Archiver) store(ctx context.Context, b Batch) {
	body, err := EncodeJSONLGZ(b)
	if err != nil {
		a.metrics.ArchiveBatches.WithLabelValues("failed").Inc()
		a.log.Error().Err(err).Str("index", b.Index).Msg("encode rejected batch")
		return
	}

	key := ObjectKey(a.prefix, b.At, a.instance)
	if err := a.up.Upload(ctx, key, body); err != nil {
		a.metrics.ArchiveBatches.WithLabelValues("failed").Inc()
		a.log.Error().Err(err).Str("key", key).Int("records", len(b.Records)).Msg("archive upload failed")
		return
	}

	a.metrics.ArchiveBatches.WithLabelValues("stored").Inc()
	a.metrics.ArchiveEvents.Add(float64(len(b.Records)))
	a.log.Info().Str("key", key).Int("records", len(b.Records)).Int("bytes", len(body)).Msg("rejected batch archived")
}

// Close 는 새 배치를 받지 않고, 남은 배치가 처리되길 최대 timeout 기다린다.
// 시간 안에 끝나면 true. 여러 번 불러도 된다.
func (a *Archiver) Close(timeout time.Duration) bool {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-a.done:
		return true
	case <-t.C:
		return false
	}
}
