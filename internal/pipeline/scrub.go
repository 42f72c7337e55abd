package pipeline

import (
	"net/url"
	"strings"
)

// ScrubQuery
// ------------------------------------------------------------
// URL 에서 허용되지 않은 query parameter 를 제거한다.
//
//   - URL 전체를 소문자로 바꾼다 (host/path 포함)
//   - #fragment 는 그대로 뒤에 붙인다
//   - key 는 unescape 후 keep 으로 판정하고, 남기는 pair 는 원문 그대로 원래 순서대로 이어붙인다
//   - 남는 pair 가 없으면 '?' 도 붙이지 않는다
//
// 이미 정리된 URL 을 다시 넣으면 그대로 나온다.
func ScrubQuery(raw string, keep func(key string) bool) string {
	s := strings.ToLower(raw)

	var fragment string
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s, fragment = s[:i], s[i:]
	}

	base, query, found := strings.Cut(s, "?")
	if !found {
		return s + fragment
	}

	var b strings.Builder
	b.Grow(len(s) + len(fragment))
	b.WriteString(base)

	kept := 0
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		key, _, _ := strings.Cut(pair, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if !keep(key) {
			continue
		}
		if kept == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(pair)
		kept++
	}

	b.WriteString(fragment)
	return b.String()
}
