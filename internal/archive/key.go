package archive

import (
	"fmt"
	"sync/atomic"
	"time"
)

// 파일명 규칙:
//
//	<unix>_<instance>_<counter>.jsonl.gz
//	1764721594_pipeline1_000042.jsonl.gz
//
// 같은 prefix 아래에서 이름순 정렬이 곧 시간순 정렬이 된다.
var fileCounter atomic.Uint64

// nextCounter 는 1e6 에서 0 으로 돌아간다.
// 같은 초 + 같은 인스턴스에서 100만 건이 넘지 않는 한 이름이 겹치지 않는다.
func nextCounter() uint64 {
	return fileCounter.Add(1) % 1_000_000
}

func filename(now time.Time, instanceID string) string {
	return fmt.Sprintf("%d_%s_%06d.jsonl.gz", now.Unix(), instanceID, nextCounter())
}

// ObjectKey
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>
//
// Athena / Glue 파티션 구조. 파티션은 UTC 기준 (문서 timestamp 와 같은 기준).
func ObjectKey(prefix string, now time.Time, instanceID string) string {
	now = now.UTC()
	return fmt.Sprintf("%s/dt=%s/hr=%s/%s", prefix, now.Format("2006-01-02"), now.Format("15"), filename(now, instanceID))
}
