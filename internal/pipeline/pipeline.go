package pipeline

import (
	"context"
	"errors"

	"estat-pipeline/internal/metrics"
	"estat-pipeline/internal/model"
)

// ErrMalformedPayload 는 역직렬화에 실패한 메시지. 재시도해도 결과가 같다.
var ErrMalformedPayload = errors.New("malformed beacon payload")

// Writer 는 색인 단계 (*index.Writer).
type Writer interface {
	Write(ctx context.Context, records []*model.VisitRecord) error
}

// Backfiller 는 체류시간 보정 단계 (*index.Backfill). 비동기, 결과 없음.
type Backfiller interface {
	UpdatePrevious(rec *model.VisitRecord)
}

// Pipeline 은 메시지 1건을 처음부터 끝까지 처리한다.
// 단계들은 순서대로 실행되며, 메시지 간 순서는 보장하지 않는다.
type Pipeline struct {
	deserializer *Deserializer
	filter       *Filter
	processor    *Processor
	writer       Writer
	backfill     Backfiller
	metrics      *metrics.Metrics
}

func New(sites SiteReader, pepper string, w Writer, b Backfiller, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		deserializer: NewDeserializer(),
		filter:       NewFilter(sites, m),
		processor:    NewProcessor(sites, pepper),
		writer:       w,
		backfill:     b,
		metrics:      m,
	}
}

// Handle 은 worker loop 의 Handler 구현.
//
// 반환값:
//   - nil: 색인 성공, 또는 필터에서 정상적으로 버려짐
//   - ErrMalformedPayload / ErrInvalidURL: 영구 실패
//   - 그 외: writer 에러 (Temporary() 로 재시도 가능 여부 판단)
func (p *Pipeline) Handle(ctx context.Context, body []byte) error {
	rec := p.deserializer.Deserialize(body)
	if rec == nil {
		p.metrics.EventsDropped.WithLabelValues(metrics.ReasonMalformed).Inc()
		return ErrMalformedPayload
	}

	rec, err := p.filter.Filter(rec)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	rec = p.processor.Process(rec)

	if err := p.writer.Write(ctx, []*model.VisitRecord{rec}); err != nil {
		return err
	}

	// 현재 레코드가 써진 뒤에만 이전 페이지뷰를 보정한다.
	p.backfill.UpdatePrevious(rec)
	return nil
}
