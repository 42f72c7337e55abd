package archive

import (
	"time"

	"estat-pipeline/internal/model"
	"estat-pipeline/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// line 은 archive 파일의 한 줄.
// 레코드 필드 옆에 어느 index 로 가려다 왜 실패했는지를 같이 남긴다.
type line struct {
	*model.VisitRecord
	TargetIndex string    `json:"_target_index"`
	Cause       string    `json:"_cause,omitempty"`
	RejectedAt  time.Time `json:"_rejected_at"`
}

// EncodeJSONLGZ 는 배치를 JSONL 로 한 줄씩 인코딩한 뒤 gzip 으로 압축한다.
//
// 버퍼와 gzip.Writer 는 pool 에서 빌려 쓰고,
// 결과는 호출자가 소유하는 새 slice 로 복사해서 돌려준다.
// (pool 버퍼를 그대로 넘기면 다음 사용자가 덮어쓴다)
func EncodeJSONLGZ(b Batch) ([]byte, error) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	gz := pool.GzipPool.Get().(*gzip.Writer)
	defer pool.GzipPool.Put(gz)
	gz.Reset(buf)

	cause := ""
	if b.Cause != nil {
		cause = b.Cause.Error()
	}

	enc := json.NewEncoder(gz)
	for _, rec := range b.Records {
		if rec == nil {
			continue
		}
		if err := enc.Encode(line{VisitRecord: rec, TargetIndex: b.Index, Cause: cause, RejectedAt: b.At}); err != nil {
			_ = gz.Close()
			return nil, err
		}
	}

	// Close 에서 gzip footer 까지 써야 스트림이 완성된다
	if err := gz.Close(); err != nil {
		return nil, err
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
