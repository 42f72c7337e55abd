// Package pipeline 은 큐 메시지 1건을 색인 가능한 VisitRecord 로 바꾸는 단계들을 묶는다.
//
//	body ─▶ Deserialize ─▶ Filter ─▶ Process ─▶ Writer.Write ─▶ Backfill.UpdatePrevious
package pipeline

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"estat-pipeline/internal/model"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// 디버그 로그에 남기는 원본 payload 최대 길이.
// payload 에는 IP/UA 가 그대로 들어있으므로 길이와 빈도를 모두 제한한다.
const maxLoggedPayload = 512

// offset 이 없는 timestamp 는 UTC 로 해석한다.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

var (
	errInvalidUTF8      = errors.New("payload is not valid utf-8")
	errMissingField     = errors.New("required field missing")
	errInvalidTimestamp = errors.New("unparsable timestamp")
)

// Deserializer
// ------------------------------------------------------------
// 큐 메시지(EventEnvelope) → VisitRecord 변환.
// 실패하면 nil 을 돌려주고 panic/에러를 밖으로 내보내지 않는다.
type Deserializer struct {
	debug *rate.Limiter
}

func NewDeserializer() *Deserializer {
	// 초당 5건, burst 20: 잘못된 payload 가 몰려도 로그가 폭주하지 않게
	return &Deserializer{debug: rate.NewLimiter(rate.Limit(5), 20)}
}

// Deserialize 는 바깥 envelope 과 안쪽 content JSON 을 차례로 파싱한다.
// ip/timestamp 는 envelope 에서, 나머지는 content 에서 가져온다.
func (d *Deserializer) Deserialize(body []byte) *model.VisitRecord {
	rec, err := decode(body)
	if err != nil {
		d.logFailure(body, err)
		return nil
	}
	return rec
}

func decode(body []byte) (*model.VisitRecord, error) {
	if !utf8.Valid(body) {
		return nil, errInvalidUTF8
	}

	var env model.EventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	if env.Content == "" {
		return nil, errMissingField
	}

	var raw model.RawEventFields
	if err := json.Unmarshal([]byte(env.Content), &raw); err != nil {
		return nil, err
	}
	if raw.URL == "" || raw.EventName == "" {
		return nil, errMissingField
	}

	ts, err := parseTimestamp(env.Timestamp)
	if err != nil {
		return nil, err
	}

	return &model.VisitRecord{
		URL:           raw.URL,
		Referrer:      raw.Referrer,
		WindowWidth:   raw.WindowWidth,
		WindowHeight:  raw.WindowHeight,
		TouchPoints:   raw.TouchPoints,
		Lang:          raw.Lang,
		UserAgent:     raw.UserAgent,
		IP:            strings.TrimSpace(env.IP),
		EventName:     raw.EventName,
		Timestamp:     ts,
		ScriptVersion: raw.ScriptVersion,
	}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errMissingField
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, errInvalidTimestamp
}

func (d *Deserializer) logFailure(body []byte, err error) {
	e := log.Debug()
	if !e.Enabled() {
		return
	}
	if !d.debug.Allow() {
		e.Discard()
		return
	}
	e.Err(err).
		Int("size", len(body)).
		Str("payload", truncate(body, maxLoggedPayload)).
		Msg("dropping undecodable message")
}

// truncate 는 rune 경계를 깨지 않도록 자른다.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return strings.ToValidUTF8(string(b), "?")
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	return strings.ToValidUTF8(string(b[:cut]), "?") + "...(truncated)"
}
