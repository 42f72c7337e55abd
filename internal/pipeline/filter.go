package pipeline

import (
	"errors"
	"net/url"
	"strings"

	"estat-pipeline/internal/metrics"
	"estat-pipeline/internal/model"
)

// ErrInvalidURL 은 이벤트 URL 이 절대 URI 가 아닌 경우.
// "모르는 도메인" 과 달리 upstream 데이터 손상이므로 조용히 버리지 않고 에러로 올린다.
var ErrInvalidURL = errors.New("event url is not an absolute uri")

// SiteReader 는 pipeline 이 사이트 설정 snapshot 에서 읽는 부분만 모은 것이다.
// (*siteconfig.Store 가 구현)
type SiteReader interface {
	IsActive(domain string) bool
	IsIgnoredIP(domain, ip string) bool
	IsAllowedParam(domain, key string) bool
}

// Filter
// ------------------------------------------------------------
// domain 을 URL host 에서 뽑아 레코드에 설정하는 유일한 단계.
// 그 외에는 버릴지 말지만 결정한다.
type Filter struct {
	sites   SiteReader
	metrics *metrics.Metrics
}

func NewFilter(sites SiteReader, m *metrics.Metrics) *Filter {
	return &Filter{sites: sites, metrics: m}
}

// Filter 는 통과한 레코드를 그대로(domain 만 채워서) 돌려준다.
// nil 입력, 비활성 도메인, ignore 대상 IP 는 (nil, nil).
func (f *Filter) Filter(rec *model.VisitRecord) (*model.VisitRecord, error) {
	if rec == nil {
		return nil, nil
	}

	u, ok := parseAbsolute(rec.URL)
	if !ok {
		f.metrics.EventsDropped.WithLabelValues(metrics.ReasonInvalidURL).Inc()
		return nil, ErrInvalidURL
	}
	rec.Domain = strings.ToLower(u.Hostname())

	if !f.sites.IsActive(rec.Domain) {
		f.metrics.EventsDropped.WithLabelValues(metrics.ReasonUnknownDomain).Inc()
		return nil, nil
	}
	if rec.IP != "" && f.sites.IsIgnoredIP(rec.Domain, rec.IP) {
		f.metrics.EventsDropped.WithLabelValues(metrics.ReasonIgnoredIP).Inc()
		return nil, nil
	}
	return rec, nil
}

// parseAbsolute 는 scheme 과 host 가 모두 있는 URI 만 인정한다.
func parseAbsolute(raw string) (*url.URL, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || !u.IsAbs() || u.Hostname() == "" {
		return nil, false
	}
	return u, true
}
