// Package index 는 Elasticsearch 쓰기(bulk 색인, 체류시간 update-by-query)를 담당한다.
package index

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"estat-pipeline/internal/config"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/sony/gobreaker/v2"
)

// Client 는 프로세스 전체에서 하나만 만든다.
// 내부 *elasticsearch.Client 는 동시 사용에 안전하므로 lock 없이 공유한다.
type Client struct {
	es  *elasticsearch.Client
	cfg config.SearchConfig
}

// NewClient 는 시작 시점에 한 번 호출된다.
// 접속 확인(Info)까지 실패하면 에러 → 프로세스 기동 실패.
// transport 는 테스트에서 가짜 RoundTripper 를 주입할 때만 쓴다 (nil 이면 기본값).
func NewClient(ctx context.Context, cfg config.SearchConfig, transport http.RoundTripper) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
		Transport: transport,
		// 재시도는 하지 않는다. 실패는 호출자(Writer/Backfill)가 로그로 남기고 끝낸다.
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	c := &Client{es: es, cfg: cfg}
	if err := c.ping(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	res, err := c.es.Info(c.es.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elasticsearch unreachable: %w", err)
	}
	defer drain(res.Body)

	if res.IsError() {
		return fmt.Errorf("elasticsearch info: %s", res.Status())
	}
	return nil
}

// Ping 은 readiness 검사용.
func (c *Client) Ping(ctx context.Context) error {
	return c.ping(ctx)
}

// IndexName 은 도메인별 색인 이름: <prefix>statsbro-<domain>
func IndexName(prefix, domain string) string {
	return prefix + "statsbro-" + domain
}

// drain 은 keep-alive 연결 재사용을 위해 body 를 끝까지 읽고 닫는다.
func drain(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

// newBreaker 는 bulk/backfill 이 각각 하나씩 쓰는 circuit breaker.
// 연속 실패가 threshold 에 도달하면 open → OpenTimeout 동안 즉시 실패.
func newBreaker[T any](name string, cfg config.BreakerConfig, onChange func(from, to gobreaker.State)) *gobreaker.CircuitBreaker[T] {
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		Interval:    time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if onChange != nil {
				onChange(from, to)
			}
		},
	})
}
