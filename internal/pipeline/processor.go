package pipeline

import (
	"estat-pipeline/internal/model"
)

// screenBreakpoints 는 window width 상한(미만)과 구간 이름. 위에서부터 첫 매칭.
var screenBreakpoints = []struct {
	below int
	size  model.ScreenSize
}{
	{576, model.ScreenExtraSmall},
	{768, model.ScreenSmall},
	{992, model.ScreenMedium},
	{1200, model.ScreenLarge},
	{1400, model.ScreenExtraLarge},
}

// ClassifyScreen 은 window width 를 화면 크기 구간으로 분류한다.
// 0 이하(측정 불가)는 unknown.
func ClassifyScreen(width int) model.ScreenSize {
	if width <= 0 {
		return model.ScreenUnknown
	}
	for _, bp := range screenBreakpoints {
		if width < bp.below {
			return bp.size
		}
	}
	return model.ScreenExtraExtraLarge
}

// Processor
// ------------------------------------------------------------
// Filter 를 통과한 레코드에 대해:
//  1. url / referrer 의 query parameter 정리
//  2. 방문자 hash 계산
//  3. screen size 분류
//  4. touch screen 여부
//
// 순수 함수이며 실패하지 않는다. 잘못된 referrer 는 손대지 않고 남긴다.
type Processor struct {
	sites  SiteReader
	pepper string
}

func NewProcessor(sites SiteReader, pepper string) *Processor {
	return &Processor{sites: sites, pepper: pepper}
}

func (p *Processor) Process(rec *model.VisitRecord) *model.VisitRecord {
	keep := func(key string) bool {
		return p.sites.IsAllowedParam(rec.Domain, key)
	}

	rec.URL = ScrubQuery(rec.URL, keep)
	if rec.Referrer != "" {
		if _, ok := parseAbsolute(rec.Referrer); ok {
			rec.Referrer = ScrubQuery(rec.Referrer, keep)
		}
	}

	rec.Hash = VisitorHash(p.pepper,
		rec.WindowWidth, rec.WindowHeight, rec.TouchPoints,
		rec.IP, rec.UserAgent, rec.Domain)
	rec.ScreenSize = ClassifyScreen(rec.WindowWidth)
	rec.IsTouchScreen = rec.TouchPoints > 0

	return rec
}
