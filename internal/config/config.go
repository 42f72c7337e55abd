// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Config
//
// 파이프라인 실행에 필요한 모든 설정 값을 보관하는 구조체.
// 프로세스 시작 시 Load() 로 한 번 초기화되며, 이후에는 읽기 전용이다.
// (사이트별 설정은 여기가 아니라 siteconfig.Store 가 런타임에 교체한다.)
type Config struct {
	Service ServiceConfig `koanf:"service"`
	Log     LogConfig     `koanf:"log"`
	Queue   QueueConfig   `koanf:"queue"`
	Reload  ReloadConfig  `koanf:"reload"`
	Sites   SitesConfig   `koanf:"sites"`
	Search  SearchConfig  `koanf:"search"`
	Hash    HashConfig    `koanf:"hash"`
	Worker  WorkerConfig  `koanf:"worker"`
	Archive ArchiveConfig `koanf:"archive"`
	HTTP    HTTPConfig    `koanf:"http"`
	Breaker BreakerConfig `koanf:"breaker"`
}

// ---------------------------
// 서비스 식별자
// ---------------------------

type ServiceConfig struct {
	Name       string `koanf:"name" validate:"required"`
	InstanceID string `koanf:"instance_id"` // 비어 있으면 hostname → uuid 순으로 채운다
}

// ---------------------------
// 로깅
// ---------------------------

type LogConfig struct {
	Level   string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Pretty  bool   `koanf:"pretty"`   // true: 콘솔 컬러 출력 (로컬 개발용)
	SampleN uint32 `koanf:"sample_n"` // >1 이면 debug/info 를 N건 중 1건만 기록
}

// ---------------------------
// RabbitMQ (작업 큐)
// ---------------------------

type QueueConfig struct {
	URL       string        `koanf:"url" validate:"required"`
	Queue     string        `koanf:"queue" validate:"required"`
	Type      string        `koanf:"type" validate:"oneof=classic quorum"` // quorum 이어야 재전달 횟수(x-delivery-count)를 셀 수 있다
	Username  string        `koanf:"username"`
	Password  string        `koanf:"password"`
	TLS       TLSConfig     `koanf:"tls"`
	Heartbeat time.Duration `koanf:"heartbeat"`
}

type TLSConfig struct {
	Enabled            bool   `koanf:"enabled"`
	InsecureSkipVerify bool   `koanf:"insecure_skip_verify"`
	ServerName         string `koanf:"server_name"`
	CAFile             string `koanf:"ca_file"`
	CertFile           string `koanf:"cert_file"`
	KeyFile            string `koanf:"key_file"`
}

// ---------------------------
// 설정 reload 신호 (fanout exchange)
// ---------------------------

type ReloadConfig struct {
	Exchange string        `koanf:"exchange" validate:"required"`
	Window   time.Duration `koanf:"window" validate:"gt=0"`
	Buffer   int           `koanf:"buffer" validate:"gte=1"`
}

// ---------------------------
// 사이트 설정 원천 (PostgreSQL)
// ---------------------------

type SitesConfig struct {
	DSN          string        `koanf:"dsn" validate:"required"`
	Table        string        `koanf:"table" validate:"required"`
	QueryTimeout time.Duration `koanf:"query_timeout" validate:"gt=0"`
}

// ---------------------------
// Elasticsearch
// ---------------------------

type SearchConfig struct {
	Addresses     []string      `koanf:"addresses" validate:"required,min=1,dive,url"`
	Username      string        `koanf:"username"`
	Password      string        `koanf:"password"`
	APIKey        string        `koanf:"api_key"`
	IndexPrefix   string        `koanf:"index_prefix"`
	Pipeline      string        `koanf:"pipeline" validate:"required"`
	PathField     string        `koanf:"path_field" validate:"required"`
	SlowThreshold time.Duration `koanf:"slow_threshold" validate:"gt=0"`
	Timeout       time.Duration `koanf:"timeout" validate:"gt=0"`
	Compress      bool          `koanf:"compress"`
}

// ---------------------------
// 방문자 해시 pepper
// ---------------------------
// Pepper 또는 KeyFile 중 하나는 반드시 있어야 한다.
// KeyFile 은 로컬에 설치된 인증서 private key(PEM) 경로이며,
// key material 을 digest 해서 pepper 로 사용한다.

type HashConfig struct {
	Pepper  string `koanf:"pepper"`
	KeyFile string `koanf:"key_file"`
}

// ---------------------------
// Worker loop
// ---------------------------

type WorkerConfig struct {
	Concurrency  int           `koanf:"concurrency" validate:"gte=0"` // 0 이면 GOMAXPROCS
	PollInterval time.Duration `koanf:"poll_interval" validate:"gt=0"`
	AckPolicy    string        `koanf:"ack_policy" validate:"oneof=ack_always requeue"`
	MaxRetries   int           `koanf:"max_retries" validate:"gte=0"`
	DrainTimeout time.Duration `koanf:"drain_timeout" validate:"gte=0"`
}

// ---------------------------
// 실패 배치 S3 보관 (선택)
// ---------------------------

type ArchiveConfig struct {
	Bucket    string        `koanf:"bucket"` // 비어 있으면 비활성
	Prefix    string        `koanf:"prefix"`
	Region    string        `koanf:"region"`
	Timeout   time.Duration `koanf:"timeout" validate:"gt=0"`
	Retries   int           `koanf:"retries" validate:"gte=1"`
	QueueSize int           `koanf:"queue_size" validate:"gte=1"`
}

// ---------------------------
// 운영용 HTTP (/health, /ready, /metrics)
// ---------------------------

type HTTPConfig struct {
	Addr string `koanf:"addr" validate:"required"`
}

// ---------------------------
// Elasticsearch 호출 circuit breaker
// ---------------------------

type BreakerConfig struct {
	FailureThreshold uint32        `koanf:"failure_threshold" validate:"gte=1"`
	OpenTimeout      time.Duration `koanf:"open_timeout" validate:"gt=0"`
	HalfOpenRequests uint32        `koanf:"half_open_requests" validate:"gte=1"`
}

const (
	AckAlways = "ack_always"
	Requeue   = "requeue"

	QueueClassic = "classic"
	QueueQuorum  = "quorum"
)

// ArchiveEnabled 는 실패 배치 보관 기능이 켜져 있는지 여부.
func (c Config) ArchiveEnabled() bool {
	return c.Archive.Bucket != ""
}

// EffectiveConcurrency 는 worker semaphore 크기를 반환한다.
// 설정이 없으면 사용 가능한 CPU 병렬도(GOMAXPROCS)를 쓴다.
func (w WorkerConfig) EffectiveConcurrency() int {
	if w.Concurrency > 0 {
		return w.Concurrency
	}
	return runtime.GOMAXPROCS(0)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate 는 태그 기반 검증 후 필드 간 조건을 검사한다.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Hash.Pepper == "" && c.Hash.KeyFile == "" {
		return errors.New("hash.pepper or hash.key_file is required")
	}
	if c.Worker.AckPolicy == Requeue && c.Worker.MaxRetries < 1 {
		return fmt.Errorf("worker.max_retries must be >= 1 with ack_policy=%s", Requeue)
	}
	if c.Worker.AckPolicy == Requeue && c.Queue.Type != QueueQuorum {
		return fmt.Errorf("ack_policy=%s requires queue.type=%s", Requeue, QueueQuorum)
	}
	if c.ArchiveEnabled() && c.Archive.Region == "" {
		return errors.New("archive.region is required when archive.bucket is set")
	}
	if (c.Queue.TLS.CertFile == "") != (c.Queue.TLS.KeyFile == "") {
		return errors.New("queue.tls.cert_file and queue.tls.key_file must be set together")
	}
	return nil
}

// fallbackInstanceID
//
// 이 파이프라인 인스턴스를 식별하는 고유 값.
//   - 기본: hostname (ECS/Fargate 에서는 task-id 형태로 고유)
//   - fallback: uuid → 12자리 랜덤 hex
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	if id, err := uuid.NewRandom(); err == nil {
		return strings.ReplaceAll(id.String(), "-", "")[:12]
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
