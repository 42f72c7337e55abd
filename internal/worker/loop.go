// internal/worker/loop.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"estat-pipeline/internal/config"
	"estat-pipeline/internal/logger"
	"estat-pipeline/internal/metrics"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Source 는 큐에서 메시지를 1건씩 꺼내는 쪽 (*queue.Conn).
type Source interface {
	Fetch() (amqp091.Delivery, bool, error)
}

// Handler 는 메시지 1건을 처리한다 (*pipeline.Pipeline).
type Handler interface {
	Handle(ctx context.Context, body []byte) error
}

// Loop는 파이프라인의 최상위 스케줄러다.
//
//	Idle ─▶ Fetching ─┬─ Empty ──────▶ (permit 반납, poll 대기) ─▶ Idle
//	                  └─ HasMessage ─▶ Dispatched ─▶ Acked / AckedAfterError / Requeued
//
// 주요 구성:
//   - sem: 동시에 처리 중인 메시지 수 상한 (CPU 병렬도). 여기서 막히는 것이 유일한 backpressure
//   - Fetch: basic.get. 비어 있으면 잠깐 쉬었다가 다시 시도 (long-poll 아님)
//   - 메시지마다 goroutine 1개. permit 은 어떤 결과든 defer 로 반납한다
//
// ack 정책:
//   - ack_always: 성공/실패 상관없이 ack (실패는 로그와 metrics 로만 드러난다)
//   - requeue: 일시적 실패면서 재전달 횟수가 max_retries 미만이면 nack(requeue)
//     (횟수는 quorum queue 의 x-delivery-count 로 센다. 횟수를 모르는 재전달은 ack)
type Loop struct {
	src     Source
	handler Handler
	metrics *metrics.Metrics
	log     zerolog.Logger

	sem        *semaphore.Weighted
	limit      int
	poll       time.Duration
	policy     string
	maxRetries int

	wg sync.WaitGroup
}

func NewLoop(src Source, h Handler, cfg config.WorkerConfig, m *metrics.Metrics) *Loop {
	limit := cfg.EffectiveConcurrency()
	return &Loop{
		src:        src,
		handler:    h,
		metrics:    m,
		log:        logger.Component("worker"),
		sem:        semaphore.NewWeighted(int64(limit)),
		limit:      limit,
		poll:       cfg.PollInterval,
		policy:     cfg.AckPolicy,
		maxRetries: cfg.MaxRetries,
	}
}

// Serve 는 ctx 가 취소될 때까지 메시지를 가져와 처리한다 (suture.Service).
// Fetch 에러는 그대로 반환한다 → supervisor 가 재시작 여부를 결정.
//
// 이미 dispatch 된 작업에는 ctx 취소가 전파되지 않는다. 종료 시에는 Wait 로 기다린다.
func (l *Loop) Serve(ctx context.Context) error {
	l.log.Info().Int("concurrency", l.limit).Str("ack_policy", l.policy).Msg("worker loop started")
	defer l.log.Info().Msg("worker loop stopped")

	for {
		// 모든 permit 이 사용 중이면 여기서 대기
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return err
		}

		d, ok, err := l.src.Fetch()
		if err != nil {
			l.sem.Release(1)
			return fmt.Errorf("fetch: %w", err)
		}

		if !ok {
			l.sem.Release(1)
			if err := sleep(ctx, l.poll); err != nil {
				return err
			}
			continue
		}
		l.metrics.MessagesFetched.Inc()

		// fetch 직후 종료 신호가 왔으면 처리하지 않고 큐로 돌려보낸다
		if ctx.Err() != nil {
			l.requeue(d, "shutdown")
			l.sem.Release(1)
			return ctx.Err()
		}

		l.dispatch(context.WithoutCancel(ctx), d)
	}
}

func (l *Loop) dispatch(ctx context.Context, d amqp091.Delivery) {
	l.wg.Add(1)
	l.metrics.InFlight.Inc()

	go func() {
		defer l.wg.Done()
		defer l.sem.Release(1)
		defer l.metrics.InFlight.Dec()

		err := l.handle(ctx, d.Body)
		l.settle(d, err)
	}()
}

// handle 은 handler panic 을 에러로 바꾼다. panic 한 메시지도 ack 대상이다.
func (l *Loop) handle(ctx context.Context, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("message handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return l.handler.Handle(ctx, body)
}

func (l *Loop) settle(d amqp091.Delivery, err error) {
	if err != nil && l.shouldRetry(d, err) {
		n, _ := deliveryCount(d)
		l.log.Warn().Err(err).Int("delivery_count", n).Msg("requeueing message after temporary failure")
		l.requeue(d, "retry")
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		l.log.Warn().Err(err).Msg("message failed, acknowledging")
	}
	if ackErr := d.Ack(false); ackErr != nil {
		l.log.Error().Err(ackErr).Uint64("tag", d.DeliveryTag).Msg("ack failed")
		return
	}
	l.metrics.MessagesAcked.WithLabelValues(outcome).Inc()
}

func (l *Loop) requeue(d amqp091.Delivery, reason string) {
	if err := d.Nack(false, true); err != nil {
		l.log.Error().Err(err).Uint64("tag", d.DeliveryTag).Msg("nack failed")
		return
	}
	l.metrics.MessagesRequeued.WithLabelValues(reason).Inc()
}

func (l *Loop) shouldRetry(d amqp091.Delivery, err error) bool {
	if l.policy != config.Requeue || !isTemporary(err) {
		return false
	}
	n, counted := deliveryCount(d)
	if !counted {
		// 횟수를 모르는 재전달은 한도를 확인할 수 없으므로 더 돌려보내지 않는다
		return false
	}
	return n < l.maxRetries
}

type temporary interface{ Temporary() bool }

// isTemporary 는 errors.Join 으로 묶인 에러 중 하나라도 일시적이면 true.
func isTemporary(err error) bool {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if isTemporary(e) {
				return true
			}
		}
		return false
	}
	var te temporary
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}

// deliveryCount 는 이 메시지가 이전에 전달된 횟수.
// quorum queue 는 x-delivery-count 헤더를 준다.
// classic queue 의 재전달은 Redelivered 플래그뿐이라 횟수를 알 수 없다 → counted=false.
func deliveryCount(d amqp091.Delivery) (n int, counted bool) {
	if v, ok := d.Headers["x-delivery-count"]; ok {
		switch c := v.(type) {
		case int64:
			return int(c), true
		case int32:
			return int(c), true
		case int:
			return c, true
		}
	}
	if d.Redelivered {
		return 1, false
	}
	return 0, true
}

// Wait 는 dispatch 된 작업이 모두 끝나길 최대 timeout 만큼 기다린다.
// 시간 안에 끝나면 true. (남은 작업의 메시지는 ack 되지 않은 채로 연결이 닫혀 broker 가 재전달한다)
func (l *Loop) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *Loop) String() string { return "worker-loop" }
