// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"estat-pipeline/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// 프로세스 시작 시 한 번만 호출되는 로거 초기화 함수.
//
//  1. 로그 포맷: LOG.PRETTY=true 면 콘솔 컬러 출력, 아니면 JSON (CloudWatch/Datadog 분석용)
//  2. 공통 필드: 모든 로그에 "service", "instance" 가 붙는다
//  3. 샘플링: Debug/Info 는 SampleN 건 중 1건만 기록, Warn 이상은 100% 기록
//
// 사용 예:
//
//	logger.Init(cfg)
//	log.Info().Msg("파이프라인 시작")
func Init(cfg config.Config) {
	zlog.Logger = New(cfg, os.Stdout)
	zerolog.SetGlobalLevel(parseLevel(cfg.Log.Level))

	// 표준 log 패키지(amqp091, pgx 내부 로그 등)도 zerolog 로 흘려보낸다.
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

// New 는 Init 과 같은 규칙으로 logger 를 만들되 전역 상태는 건드리지 않는다.
// 테스트에서 출력 버퍼를 주입할 때 쓴다.
func New(cfg config.Config, out io.Writer) zerolog.Logger {
	w := out
	if cfg.Log.Pretty {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05", // 개발 중엔 시간만 보여도 충분함
		}
	}

	base := zerolog.New(w).
		Level(parseLevel(cfg.Log.Level)).
		With().
		Timestamp().
		Str("service", cfg.Service.Name).
		Str("instance", cfg.Service.InstanceID).
		Logger()

	if cfg.Log.SampleN <= 1 {
		return base
	}

	// Warn/Error 는 sampler 를 두지 않는다 (nil = 전부 기록).
	return base.Sample(&zerolog.LevelSampler{
		DebugSampler: &zerolog.BasicSampler{N: cfg.Log.SampleN},
		InfoSampler:  &zerolog.BasicSampler{N: cfg.Log.SampleN},
	})
}

// Component 는 전역 logger 에 component 필드를 붙인 하위 logger 를 반환한다.
func Component(name string) zerolog.Logger {
	return zlog.With().Str("component", name).Logger()
}

// parseLevel 은 비어있거나 잘못된 값이면 info 로 fallback 한다.
// (zerolog.ParseLevel("") 은 NoLevel 을 에러 없이 돌려주므로 따로 처리)
func parseLevel(s string) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return zerolog.InfoLevel
	}
	l, err := zerolog.ParseLevel(s)
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}
