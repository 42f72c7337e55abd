// Package siteconfig 는 사이트별 설정 snapshot 과 reload 신호 처리를 담당한다.
package siteconfig

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"estat-pipeline/internal/metrics"
	"estat-pipeline/internal/model"

	"github.com/rs/zerolog/log"
)

// Repository 는 사이트 설정 원천(관계형 DB)의 읽기 계약이다.
type Repository interface {
	FetchSites(ctx context.Context) ([]model.SiteConfig, error)
}

// ReloadError 는 원천 조회 실패를 감싼다.
// 실패해도 이전 snapshot 은 그대로 유지된다.
type ReloadError struct {
	Err error
}

func (e *ReloadError) Error() string { return "site config reload: " + e.Err.Error() }
func (e *ReloadError) Unwrap() error { return e.Err }

// snapshot 은 한 번 만들어지면 절대 수정하지 않는다.
type snapshot struct {
	active  map[string]struct{}
	params  map[string][]string            // 순서 유지 (GetAllowedQueryParams)
	allowed map[string]map[string]struct{} // 조회용 set
	ignored map[string]map[string]struct{}
	loaded  time.Time
}

var emptySnapshot = &snapshot{
	active:  map[string]struct{}{},
	params:  map[string][]string{},
	allowed: map[string]map[string]struct{}{},
	ignored: map[string]map[string]struct{}{},
}

// Store
// ------------------------------------------------------------
// 전체 사이트 설정의 in-memory snapshot.
//
//   - Reload 는 원천에서 전체 목록을 읽어 새 map 3개를 만들고
//     atomic.Pointer 한 번의 Store 로 교체한다.
//   - 읽기는 lock 이 없다. 교체 중에 읽어도 "전부 이전" 또는 "전부 새것"만 보인다.
//   - 부분 갱신 / key 단위 invalidation 은 없다.
type Store struct {
	repo    Repository
	metrics *metrics.Metrics
	timeout time.Duration

	snap atomic.Pointer[snapshot]

	// reload 는 한 번에 하나만 진행한다.
	reloadMu sync.Mutex
}

// NewStore 는 비어있는 snapshot 으로 시작한다. 사용 전 Reload 가 필요하다.
func NewStore(repo Repository, m *metrics.Metrics, timeout time.Duration) *Store {
	s := &Store{repo: repo, metrics: m, timeout: timeout}
	s.snap.Store(emptySnapshot)
	return s
}

// Reload 는 원천에서 전체 목록을 가져와 snapshot 을 교체한다.
func (s *Store) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	sites, err := s.repo.FetchSites(ctx)
	if err != nil {
		s.metrics.ConfigReloads.WithLabelValues("error").Inc()
		return &ReloadError{Err: err}
	}

	next := build(sites)
	s.snap.Store(next)

	s.metrics.ConfigReloads.WithLabelValues("ok").Inc()
	s.metrics.Sites.Set(float64(len(next.active)))
	log.Info().Int("sites", len(next.active)).Msg("site config reloaded")
	return nil
}

// ReloadAndLog 는 Notifier 콜백용. 실패는 로그만 남긴다.
func (s *Store) ReloadAndLog(ctx context.Context) func() {
	return func() {
		if err := s.Reload(ctx); err != nil {
			log.Error().Err(err).Msg("site config reload failed, keeping previous snapshot")
		}
	}
}

func build(sites []model.SiteConfig) *snapshot {
	next := &snapshot{
		active:  make(map[string]struct{}, len(sites)),
		params:  make(map[string][]string, len(sites)),
		allowed: make(map[string]map[string]struct{}, len(sites)),
		ignored: make(map[string]map[string]struct{}, len(sites)),
		loaded:  time.Now(),
	}

	for _, site := range sites {
		domain := strings.ToLower(strings.TrimSpace(site.Domain))
		if domain == "" {
			continue
		}
		next.active[domain] = struct{}{}

		params := next.params[domain]
		set := next.allowed[domain]
		if set == nil {
			set = make(map[string]struct{}, len(site.PersistQueryParams))
			next.allowed[domain] = set
		}
		for _, p := range site.PersistQueryParams {
			p = strings.ToLower(strings.TrimSpace(p))
			if p == "" {
				continue
			}
			if _, dup := set[p]; dup {
				continue
			}
			set[p] = struct{}{}
			params = append(params, p)
		}
		next.params[domain] = params

		ips := next.ignored[domain]
		if ips == nil {
			ips = make(map[string]struct{}, len(site.IgnoreIPs))
			next.ignored[domain] = ips
		}
		for _, ip := range site.IgnoreIPs {
			if ip = canonicalIP(ip); ip != "" {
				ips[ip] = struct{}{}
			}
		}
	}
	return next
}

// ActiveDomains 는 현재 snapshot 의 활성 도메인 set 복사본이다.
func (s *Store) ActiveDomains() map[string]struct{} {
	return maps.Clone(s.snap.Load().active)
}

// AllowedQueryParams 는 도메인의 유지 대상 query parameter 목록(입력 순서).
// 모르는 도메인이면 빈 slice. 반환값은 복사본이다.
func (s *Store) AllowedQueryParams(domain string) []string {
	if p, ok := s.snap.Load().params[domain]; ok {
		return slices.Clone(p)
	}
	return []string{}
}

// IgnoredIPs 는 도메인의 ignore IP set 복사본. 모르는 도메인이면 빈 set.
func (s *Store) IgnoredIPs(domain string) map[string]struct{} {
	if ips, ok := s.snap.Load().ignored[domain]; ok {
		return maps.Clone(ips)
	}
	return map[string]struct{}{}
}

func (s *Store) IsActive(domain string) bool {
	_, ok := s.snap.Load().active[domain]
	return ok
}

// IsIgnoredIP 는 ip 가 비어있지 않고 도메인의 ignore 목록에 있으면 true.
func (s *Store) IsIgnoredIP(domain, ip string) bool {
	if ip == "" {
		return false
	}
	ips, ok := s.snap.Load().ignored[domain]
	if !ok || len(ips) == 0 {
		return false
	}
	_, hit := ips[canonicalIP(ip)]
	return hit
}

// IsAllowedParam 은 key 를 소문자로 바꿔 비교한다.
func (s *Store) IsAllowedParam(domain, key string) bool {
	set, ok := s.snap.Load().allowed[domain]
	if !ok {
		return false
	}
	_, hit := set[strings.ToLower(key)]
	return hit
}

// Loaded 는 한 번이라도 reload 에 성공했는지 여부 (readiness 용).
func (s *Store) Loaded() bool {
	return !s.snap.Load().loaded.IsZero()
}

// Sites 는 현재 snapshot 의 사이트 수.
func (s *Store) Sites() int {
	return len(s.snap.Load().active)
}
