// internal/model/event.go
package model

import "time"

// EventEnvelope
// ------------------------------------------------------------
// 수집 서버(/collect)가 큐에 적재하는 메시지 본문.
// Content 안에는 브라우저 스크립트가 보낸 JSON 이 문자열로 한 번 더 들어있다.
// 필드명은 upstream 이 쓰는 이름 그대로 유지한다 (대문자 시작).
type EventEnvelope struct {
	Content   string `json:"Content"`
	IP        string `json:"IP"`
	Timestamp string `json:"Timestamp"` // ISO-8601, offset 없으면 UTC 로 해석
}

// RawEventFields
// ------------------------------------------------------------
// 클라이언트 스크립트 payload. 전송량을 줄이기 위해 short code 를 쓴다.
type RawEventFields struct {
	URL           string `json:"url"`
	Referrer      string `json:"r"`
	WindowWidth   int    `json:"ww"`
	WindowHeight  int    `json:"wh"`
	TouchPoints   int    `json:"tp"`
	Lang          string `json:"l"`
	UserAgent     string `json:"ua"`
	EventName     string `json:"e"`
	ScriptVersion int    `json:"v"`
}

// PageViewEvent 는 체류시간 backfill 대상이 되는 이벤트 이름이다.
const PageViewEvent = "pageview"

// VisitRecord
// ------------------------------------------------------------
// filter → processor → index writer 까지 흘러가는 정규화된 레코드.
// 메시지 1건당 1개 생성되고, 하나의 처리 시도(goroutine)만 소유한다.
//
// 단계별로 채워지는 필드:
//   - Domain: Filter 단계에서만 설정 (클라이언트 값이 아니라 URL host 에서 파생)
//   - Hash / IsTouchScreen / ScreenSize: Processor 단계에서만 설정
//
// Index Writer 는 Ready() 가 false 인 레코드를 쓰지 않는다.
type VisitRecord struct {
	URL           string     `json:"url"`
	Referrer      string     `json:"referrer,omitempty"`
	WindowWidth   int        `json:"window_width"`
	WindowHeight  int        `json:"window_height"`
	TouchPoints   int        `json:"touch_points"`
	Lang          string     `json:"lang,omitempty"`
	UserAgent     string     `json:"user_agent,omitempty"`
	Domain        string     `json:"domain"`
	IP            string     `json:"ip,omitempty"`
	EventName     string     `json:"event_name"`
	Timestamp     time.Time  `json:"timestamp"`
	ScriptVersion int        `json:"script_version"`
	Hash          string     `json:"hash"`
	IsTouchScreen bool       `json:"is_touch_screen"`
	ScreenSize    ScreenSize `json:"screen_size"`
}

// Ready 는 filter/processor 가 채우는 필드가 모두 설정되었는지 확인한다.
func (r *VisitRecord) Ready() bool {
	return r != nil && r.Domain != "" && r.Hash != "" && r.ScreenSize != ""
}
