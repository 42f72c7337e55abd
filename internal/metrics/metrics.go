package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reason label 값.
const (
	ReasonMalformed     = "malformed"      // 역직렬화 실패
	ReasonInvalidURL    = "invalid_url"    // URL 이 절대 URI 가 아님 (upstream 손상)
	ReasonUnknownDomain = "unknown_domain" // 설정에 없는(비활성) 도메인
	ReasonIgnoredIP     = "ignored_ip"     // 사이트 ignore 목록의 IP
	ReasonNotReady      = "not_ready"      // processor 필드가 비어있는 레코드
)

// Metrics 는 파이프라인 운영 지표 모음이다.
//
// prometheus 로 노출하며, 레지스트리는 호출자가 주입한다.
type Metrics struct {
	// ======================
	// Queue / Worker
	// ======================

	// MessagesFetched: basic.get 으로 가져온 메시지 수.
	MessagesFetched prometheus.Counter

	// MessagesAcked: ack 된 메시지 수. outcome=ok|error.
	// ack_always 정책에서는 error 도 ack 되므로 이 값으로 "조용한 유실" 규모를 본다.
	MessagesAcked *prometheus.CounterVec

	// MessagesRequeued: nack(requeue) 된 메시지 수. reason=retry|shutdown.
	MessagesRequeued *prometheus.CounterVec

	// InFlight: 현재 처리 중인 메시지 수 (semaphore 로 상한이 걸린다).
	InFlight prometheus.Gauge

	// ======================
	// Pipeline
	// ======================

	// EventsDropped: filter/deserializer 단계에서 버려진 이벤트. reason 라벨 참고.
	EventsDropped *prometheus.CounterVec

	// EventsIndexed: bulk 응답 기준으로 성공한 문서 수.
	EventsIndexed prometheus.Counter

	// ======================
	// Elasticsearch
	// ======================

	BulkErrors   *prometheus.CounterVec // kind=transport|status|item|breaker
	BulkDuration prometheus.Histogram
	Backfills    *prometheus.CounterVec // result=updated|noop|error|skipped

	// ======================
	// Site config
	// ======================

	ConfigReloads *prometheus.CounterVec // result=ok|error
	Sites         prometheus.Gauge

	// ======================
	// Archive (S3)
	// ======================

	ArchiveBatches *prometheus.CounterVec // result=stored|failed|dropped
	ArchiveEvents  prometheus.Counter
}

// New 는 reg 에 모든 지표를 등록한다.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		MessagesFetched: f.NewCounter(prometheus.CounterOpts{
			Name: "estat_messages_fetched_total",
			Help: "Messages fetched from the beacon queue",
		}),
		MessagesAcked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "estat_messages_acked_total",
			Help: "Messages acknowledged, by processing outcome",
		}, []string{"outcome"}),
		MessagesRequeued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "estat_messages_requeued_total",
			Help: "Messages rejected back onto the queue",
		}, []string{"reason"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "estat_messages_in_flight",
			Help: "Messages currently being processed",
		}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "estat_events_dropped_total",
			Help: "Events dropped before indexing",
		}, []string{"reason"}),
		EventsIndexed: f.NewCounter(prometheus.CounterOpts{
			Name: "estat_events_indexed_total",
			Help: "Documents accepted by the search engine",
		}),
		BulkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "estat_bulk_errors_total",
			Help: "Bulk write failures",
		}, []string{"kind"}),
		BulkDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "estat_bulk_duration_seconds",
			Help:    "Bulk request latency",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		Backfills: f.NewCounterVec(prometheus.CounterOpts{
			Name: "estat_time_spent_backfills_total",
			Help: "Time-spent backfill attempts",
		}, []string{"result"}),
		ConfigReloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "estat_config_reloads_total",
			Help: "Site configuration reloads",
		}, []string{"result"}),
		Sites: f.NewGauge(prometheus.GaugeOpts{
			Name: "estat_sites",
			Help: "Sites in the current configuration snapshot",
		}),
		ArchiveBatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "estat_archive_batches_total",
			Help: "Rejected batches handed to the S3 archive",
		}, []string{"result"}),
		ArchiveEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "estat_archive_events_total",
			Help: "Events stored in the S3 archive",
		}),
	}
}

// NewNop 는 어디에도 등록되지 않은 지표를 만든다 (테스트, 도구용).
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveBulk 는 bulk 요청 소요시간을 기록한다.
func (m *Metrics) ObserveBulk(d time.Duration) {
	m.BulkDuration.Observe(d.Seconds())
}
