// Package supervisor 는 장시간 돌아가는 구성 요소를 suture 트리로 묶는다.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"estat-pipeline/internal/logger"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// TreeConfig 의 0 값 필드는 suture 기본값으로 채운다.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func (c TreeConfig) withDefaults() TreeConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.FailureDecay == 0 {
		c.FailureDecay = 30
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = 15 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Tree
//
//	root
//	 ├─ pipeline: worker loop, 설정 reload 구독
//	 └─ ops:      운영 HTTP
//
// pipeline 쪽이 재시작을 반복해도 /health, /metrics 는 계속 응답한다.
type Tree struct {
	root     *suture.Supervisor
	pipeline *suture.Supervisor
	ops      *suture.Supervisor
}

func New(name string, cfg TreeConfig) *Tree {
	cfg = cfg.withDefaults()
	log := logger.Component("supervisor")

	spec := func(hook suture.EventHook) suture.Spec {
		return suture.Spec{
			EventHook:        hook,
			FailureThreshold: cfg.FailureThreshold,
			FailureDecay:     cfg.FailureDecay,
			FailureBackoff:   cfg.FailureBackoff,
			Timeout:          cfg.ShutdownTimeout,
		}
	}

	root := suture.New(name, spec(EventHook(log)))
	pipeline := suture.New("pipeline", spec(nil))
	ops := suture.New("ops", spec(nil))
	root.Add(pipeline)
	root.Add(ops)

	return &Tree{root: root, pipeline: pipeline, ops: ops}
}

func (t *Tree) AddPipeline(svc suture.Service) suture.ServiceToken {
	return t.pipeline.Add(svc)
}

func (t *Tree) AddOps(svc suture.Service) suture.ServiceToken {
	return t.ops.Add(svc)
}

// Serve 는 ctx 가 끝나거나 Critical 서비스가 트리 종료를 요청할 때까지 막힌다.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// EventHook 은 suture 이벤트를 zerolog 로 남긴다.
func EventHook(log zerolog.Logger) suture.EventHook {
	return func(e suture.Event) {
		switch ev := e.(type) {
		case suture.EventServicePanic:
			log.Error().
				Str("supervisor", ev.SupervisorName).
				Str("service", ev.ServiceName).
				Float64("failures", ev.CurrentFailures).
				Bool("restarting", ev.Restarting).
				Str("panic", ev.PanicMsg).
				Str("stack", ev.Stacktrace).
				Msg("service panicked")
		case suture.EventServiceTerminate:
			log.Warn().
				Str("supervisor", ev.SupervisorName).
				Str("service", ev.ServiceName).
				Float64("failures", ev.CurrentFailures).
				Bool("restarting", ev.Restarting).
				Interface("err", ev.Err).
				Msg("service terminated")
		case suture.EventBackoff:
			log.Warn().Str("supervisor", ev.SupervisorName).Msg("supervisor backing off")
		case suture.EventResume:
			log.Info().Str("supervisor", ev.SupervisorName).Msg("supervisor resumed")
		case suture.EventStopTimeout:
			log.Error().Str("supervisor", ev.SupervisorName).Str("service", ev.ServiceName).Msg("service did not stop in time")
		default:
			log.Info().Msg(e.String())
		}
	}
}

// Critical
// ------------------------------------------------------------
// 재시작해도 소용없는 상태(예: AMQP 연결 자체가 끊김)에서
// 트리 전체를 내리도록 서비스를 감싼다. 재연결은 하지 않는다.
// 프로세스가 종료되면 오케스트레이터가 새로 띄운다.
type Critical struct {
	svc  suture.Service
	dead func() bool
}

func NewCritical(svc suture.Service, dead func() bool) *Critical {
	return &Critical{svc: svc, dead: dead}
}

func (c *Critical) Serve(ctx context.Context) error {
	err := c.svc.Serve(ctx)
	if err == nil || ctx.Err() != nil || !c.dead() {
		return err
	}
	return fmt.Errorf("%w: %s: %w", suture.ErrTerminateSupervisorTree, c, err)
}

func (c *Critical) String() string {
	if s, ok := c.svc.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", c.svc)
}

// IsTerminated 는 Serve 가 Critical 서비스 때문에 끝났는지 여부.
func IsTerminated(err error) bool {
	return errors.Is(err, suture.ErrTerminateSupervisorTree)
}
