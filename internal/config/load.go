package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix 는 모든 환경변수의 공통 prefix 이다.
	EnvPrefix = "ESTAT_"

	// ConfigFileEnv 가 가리키는 YAML 파일이 있으면 defaults 위에 덮어쓴다.
	ConfigFileEnv = "ESTAT_CONFIG_FILE"
)

// 환경변수로 들어오면 comma-separated 문자열을 slice 로 풀어야 하는 키.
var sliceKeys = []string{
	"search.addresses",
}

// Defaults 는 운영 기본값이다. 필수 값(접속 정보 등)은 비워둔다.
func Defaults() Config {
	return Config{
		Service: ServiceConfig{Name: "estat-pipeline"},
		Log:     LogConfig{Level: "info"},
		Queue: QueueConfig{
			Queue:     "estat.beacons",
			Type:      QueueClassic,
			Heartbeat: 10 * time.Second,
		},
		Reload: ReloadConfig{
			Exchange: "estat.config.reload",
			Window:   30 * time.Second,
			Buffer:   64,
		},
		Sites: SitesConfig{
			Table:        "sites",
			QueryTimeout: 10 * time.Second,
		},
		Search: SearchConfig{
			Pipeline:      "statsbro",
			PathField:     "url_parts.path",
			SlowThreshold: 2 * time.Second,
			Timeout:       10 * time.Second,
		},
		Worker: WorkerConfig{
			PollInterval: 100 * time.Millisecond,
			AckPolicy:    AckAlways,
			MaxRetries:   3,
			DrainTimeout: 20 * time.Second,
		},
		Archive: ArchiveConfig{
			Prefix:    "rejected",
			Timeout:   5 * time.Second,
			Retries:   3,
			QueueSize: 256,
		},
		HTTP: HTTPConfig{Addr: ":9102"},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
			HalfOpenRequests: 1,
		},
	}
}

// Load
//
// 설정 우선순위: 환경변수 > YAML 파일 > Defaults().
//
// 환경변수 규칙:
//
//	ESTAT_QUEUE__URL            → queue.url
//	ESTAT_SEARCH__INDEX_PREFIX  → search.index_prefix
//	ESTAT_SEARCH__ADDRESSES     → search.addresses (comma-separated)
//
// 검증에 실패하면 에러를 반환하며, main 에서 즉시 종료(fail-fast)한다.
func Load() (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	if err := splitSlices(k); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Service.InstanceID == "" {
		cfg.Service.InstanceID = fallbackInstanceID()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envKey: ESTAT_SEARCH__INDEX_PREFIX → search.index_prefix
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func splitSlices(k *koanf.Koanf) error {
	for _, key := range sliceKeys {
		raw, ok := k.Get(key).(string)
		if !ok {
			continue
		}
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if err := k.Set(key, out); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}
