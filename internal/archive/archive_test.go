package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"regexp"
	"sync"
	"testing"
	"time"

	"estat-pipeline/internal/config"
	"estat-pipeline/internal/metrics"
	"estat-pipeline/internal/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func records(n int) []*model.VisitRecord {
	out := make([]*model.VisitRecord, n)
	for i := range out {
		out[i] = &model.VisitRecord{
			URL:        "https://example.com/p",
			Domain:     "example.com",
			EventName:  model.PageViewEvent,
			Hash:       "h",
			ScreenSize: model.ScreenMedium,
			Timestamp:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		}
	}
	return out
}

func gunzipLines(t *testing.T, body []byte) []map[string]any {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)

	var out []map[string]any
	for _, l := range bytes.Split(bytes.TrimSpace(raw), []byte("\n")) {
		var m map[string]any
		require.NoError(t, json.Unmarshal(l, &m))
		out = append(out, m)
	}
	return out
}

func TestEncodeJSONLGZ(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC)
	body, err := EncodeJSONLGZ(Batch{Index: "statsbro-example.com", Records: records(3), Cause: errors.New("mapper_parsing_exception"), At: at})
	require.NoError(t, err)

	lines := gunzipLines(t, body)
	require.Len(t, lines, 3)
	assert.Equal(t, "https://example.com/p", lines[0]["url"])
	assert.Equal(t, "example.com", lines[0]["domain"])
	assert.Equal(t, "statsbro-example.com", lines[0]["_target_index"])
	assert.Equal(t, "mapper_parsing_exception", lines[0]["_cause"])
	assert.Equal(t, "2024-05-01T12:00:01Z", lines[0]["_rejected_at"])
}

func TestObjectKey(t *testing.T) {
	// KST 로 들어와도 파티션은 UTC
	kst := time.FixedZone("KST", 9*3600)
	now := time.Date(2024, 5, 2, 3, 30, 0, 0, kst)

	key := ObjectKey("rejected", now, "pipeline1")
	assert.Regexp(t, regexp.MustCompile(`^rejected/dt=2024-05-01/hr=18/\d+_pipeline1_\d{6}\.jsonl\.gz$`), key)
	assert.NotEqual(t, key, ObjectKey("rejected", now, "pipeline1"))
}

type fakePutter struct {
	mu    sync.Mutex
	fail  int
	calls []*s3.PutObjectInput
	body  [][]byte
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, _ := io.ReadAll(in.Body)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	f.body = append(f.body, b)
	if f.fail > 0 {
		f.fail--
		return nil, errors.New("SlowDown")
	}
	return &s3.PutObjectOutput{}, nil
}

func testArchiveConfig() config.ArchiveConfig {
	return config.ArchiveConfig{Bucket: "estat-archive", Prefix: "rejected", Timeout: time.Second, Retries: 3, QueueSize: 4}
}

func fastUploader(p objectPutter) *S3Uploader {
	u := newS3Uploader(p, testArchiveConfig())
	u.backoff = time.Millisecond
	u.maxBackoff = 2 * time.Millisecond
	return u
}

func TestUploaderRetries(t *testing.T) {
	p := &fakePutter{fail: 2}
	u := fastUploader(p)

	require.NoError(t, u.Upload(context.Background(), "k", []byte("payload")))
	require.Len(t, p.calls, 3)

	in := p.calls[2]
	assert.Equal(t, "estat-archive", aws.ToString(in.Bucket))
	assert.Equal(t, "gzip", aws.ToString(in.ContentEncoding))
	assert.Equal(t, int64(7), aws.ToInt64(in.ContentLength))
	// 재시도마다 body 가 처음부터 다시 읽힌다
	assert.Equal(t, []byte("payload"), p.body[2])
}

func TestUploaderGivesUp(t *testing.T) {
	p := &fakePutter{fail: 10}
	u := fastUploader(p)

	err := u.Upload(context.Background(), "k", []byte("x"))
	assert.ErrorContains(t, err, "after 3 attempts")
	assert.ErrorContains(t, err, "SlowDown")
	assert.Len(t, p.calls, 3)
}

func TestUploaderStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &fakePutter{}
	err := fastUploader(p).Upload(ctx, "k", []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, p.calls)
}

type uploadFunc func(ctx context.Context, key string, body []byte) error

func (f uploadFunc) Upload(ctx context.Context, key string, body []byte) error { return f(ctx, key, body) }

func TestArchiverStoresBatches(t *testing.T) {
	var mu sync.Mutex
	var keys []string
	up := uploadFunc(func(_ context.Context, key string, body []byte) error {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, key)
		return nil
	})

	m := metrics.NewNop()
	a := New(up, testArchiveConfig(), "pipeline1", m)
	go a.Run(context.Background())

	a.Archive("statsbro-example.com", records(2), errors.New("boom"))
	a.Archive("statsbro-example.com", nil, errors.New("ignored"))
	a.Archive("statsbro-other.com", records(1), errors.New("boom"))
	require.True(t, a.Close(time.Second))

	assert.Len(t, keys, 2)
	for _, k := range keys {
		assert.Contains(t, k, "rejected/dt=")
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ArchiveBatches.WithLabelValues("stored")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ArchiveEvents))
}

func TestArchiverNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	up := uploadFunc(func(context.Context, string, []byte) error {
		<-release
		return errors.New("unreachable")
	})

	m := metrics.NewNop()
	cfg := testArchiveConfig()
	cfg.QueueSize = 1
	a := New(up, cfg, "pipeline1", m)
	go a.Run(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			a.Archive("statsbro-example.com", records(1), nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Archive blocked")
	}
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.ArchiveBatches.WithLabelValues("dropped")), 8.0)

	close(release)
	require.True(t, a.Close(time.Second))
	assert.Equal(t, 10.0,
		testutil.ToFloat64(m.ArchiveBatches.WithLabelValues("dropped"))+testutil.ToFloat64(m.ArchiveBatches.WithLabelValues("failed")))
}

func TestArchiverAfterClose(t *testing.T) {
	m := metrics.NewNop()
	a := New(uploadFunc(func(context.Context, string, []byte) error { return nil }), testArchiveConfig(), "p", m)
	go a.Run(context.Background())
	require.True(t, a.Close(time.Second))
	require.True(t, a.Close(time.Second))

	assert.NotPanics(t, func() { a.Archive("i", records(1), nil) })
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ArchiveBatches.WithLabelValues("dropped")))
}
