package model

// SiteConfig 는 관계형 DB 의 sites 테이블에서 읽어오는 사이트별 설정이다.
// 파이프라인은 읽기 전용 소비자이며, 전체 목록을 한 번에 교체한다.
type SiteConfig struct {
	Domain             string
	IgnoreIPs          []string // 수집에서 제외할 IP 목록
	PersistQueryParams []string // URL 에 남겨둘 query parameter 이름 (소문자)
}

// ScreenSize 는 window width 기반 화면 크기 구간이다.
type ScreenSize string

const (
	ScreenExtraSmall      ScreenSize = "extra small"
	ScreenSmall           ScreenSize = "small"
	ScreenMedium          ScreenSize = "medium"
	ScreenLarge           ScreenSize = "large"
	ScreenExtraLarge      ScreenSize = "extra large"
	ScreenExtraExtraLarge ScreenSize = "extra extra large"
	ScreenUnknown         ScreenSize = "unknown"
)
