package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pool 구성 목적
//
// 메시지 1건마다 bulk 요청 body 를 만들고 (필요하면 gzip),
// 실패 배치는 다시 gzip JSONL 로 인코딩한다.
// 매번 새 버퍼/새 gzip.Writer 를 만들면 GC 부담이 커지므로 재사용한다.
// ---------------------------------------------------------------

var (
	// BufferPool:
	//   - bulk NDJSON body, gzip 결과, archive JSONL 을 담는 임시 버퍼
	//   - 초기 용량 16KB (메시지 1건짜리 bulk 는 대부분 여기에 들어간다)
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 16*1024))
		},
	}

	// GzipPool:
	//   - gzip.Writer 재사용 (생성 비용이 크다)
	//   - BestSpeed: 처리량 우선
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// 이보다 큰 버퍼는 풀에 돌려주지 않고 GC 에 맡긴다.
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// GetBuffer 는 비어있는 버퍼를 꺼낸다.
func GetBuffer() *bytes.Buffer {
	buf := BufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer:
//   - MaxBufferCap 이하면 재사용
//   - 큰 배치로 커진 버퍼는 버린다 (메모리를 계속 붙잡지 않도록)
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}

// Gzip 은 src 를 gzip 으로 압축해 dst 뒤에 붙인다.
func Gzip(dst *bytes.Buffer, src []byte) error {
	zw := GzipPool.Get().(*gzip.Writer)
	defer GzipPool.Put(zw)

	zw.Reset(dst)
	if _, err := zw.Write(src); err != nil {
		return err
	}
	return zw.Close()
}
