package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"estat-pipeline/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// objectPutter 는 *s3.Client 중 여기서 쓰는 부분.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader
// ------------------------------------------------------------
// gzip JSONL 바이트를 S3 에 올린다.
//
//   - SDK 자체 재시도는 끄고 (RetryMaxAttempts=0) 여기서 재시도한다
//   - 시도마다 cfg.Timeout
//   - backoff 200ms 부터 2배씩, 최대 2s
//   - ctx 가 끝나면 즉시 중단
type S3Uploader struct {
	client  objectPutter
	bucket  string
	timeout time.Duration
	retries int

	backoff    time.Duration
	maxBackoff time.Duration
}

// NewS3Uploader 는 기본 credential chain + cfg.Region 으로 S3 client 를 만든다.
func NewS3Uploader(ctx context.Context, cfg config.ArchiveConfig) (*S3Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	})
	return newS3Uploader(client, cfg), nil
}

func newS3Uploader(client objectPutter, cfg config.ArchiveConfig) *S3Uploader {
	retries := cfg.Retries
	if retries < 1 {
		retries = 1
	}
	return &S3Uploader{
		client:     client,
		bucket:     cfg.Bucket,
		timeout:    cfg.Timeout,
		retries:    retries,
		backoff:    200 * time.Millisecond,
		maxBackoff: 2 * time.Second,
	}
}

// Upload 는 성공하거나 재시도를 다 쓸 때까지 PutObject 를 호출한다.
// 마지막 에러를 반환한다.
func (u *S3Uploader) Upload(ctx context.Context, key string, body []byte) error {
	var lastErr error
	backoff := u.backoff

	for attempt := 1; attempt <= u.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		// reader 는 시도마다 새로 만든다 (이전 시도가 읽어버렸을 수 있다)
		if lastErr = u.put(ctx, key, body); lastErr == nil {
			return nil
		}
		if attempt == u.retries {
			break
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, u.maxBackoff)
	}
	return fmt.Errorf("put s3://%s/%s after %d attempts: %w", u.bucket, key, u.retries, lastErr)
}

func (u *S3Uploader) put(ctx context.Context, key string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentLength:   aws.Int64(int64(len(body))),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	return err
}
