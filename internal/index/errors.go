package index

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sony/gobreaker/v2"
)

// 실패 종류 (metrics.BulkErrors 의 kind 라벨과 동일).
const (
	KindTransport = "transport" // 네트워크/timeout
	KindStatus    = "status"    // bulk 호출 자체가 4xx/5xx
	KindItem      = "item"      // 호출은 성공, 일부 문서가 거부됨
	KindBreaker   = "breaker"   // circuit open 으로 호출하지 않음
)

// BulkError 는 도메인 1개 그룹의 bulk 실패.
//
// Writer 는 재시도하지 않는다. 이 에러는 진단용이며,
// ack 정책이 requeue 일 때만 Temporary() 로 재전달 여부를 판단한다.
type BulkError struct {
	Index  string
	Kind   string
	Status int // KindStatus: HTTP status, KindItem: 대표 item status
	Failed int // 실패한 문서 수
	Reason string
	Err    error
}

func (e *BulkError) Error() string {
	msg := fmt.Sprintf("bulk %s: %s failure (%d docs)", e.Index, e.Kind, e.Failed)
	if e.Status != 0 {
		msg += fmt.Sprintf(" status=%d", e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BulkError) Unwrap() error { return e.Err }

// Temporary: 다시 보내면 성공할 수 있는 실패인지.
//   - transport, breaker open → true
//   - 429 / 5xx → true
//   - mapping 오류 같은 4xx → false
func (e *BulkError) Temporary() bool {
	switch e.Kind {
	case KindTransport, KindBreaker:
		return true
	default:
		return retryableStatus(e.Status)
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// statusError 는 breaker 가 실패로 세도록 돌려주는 내부 에러.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string { return fmt.Sprintf("status %d: %s", e.code, e.body) }

// permanent 는 breaker 에는 성공으로 보고하되 호출자에게는 실패를 알리는 래퍼.
type permanent struct{ *statusError }

func countsAsSuccess(err error) bool {
	var p *permanent
	return err == nil || errors.As(err, &p)
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
