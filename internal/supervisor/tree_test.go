package supervisor

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"
)

type blockingService struct {
	name    string
	started atomic.Int32
}

func (s *blockingService) Serve(ctx context.Context) error {
	s.started.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (s *blockingService) String() string { return s.name }

type failingService struct {
	runs atomic.Int32
	err  error
}

func (s *failingService) Serve(context.Context) error {
	s.runs.Add(1)
	return s.err
}

func (s *failingService) String() string { return "failing" }

func fastTree() *Tree {
	return New("test", TreeConfig{FailureBackoff: 10 * time.Millisecond, ShutdownTimeout: time.Second})
}

func TestTreeDefaults(t *testing.T) {
	cfg := TreeConfig{}.withDefaults()
	assert.Equal(t, 5.0, cfg.FailureThreshold)
	assert.Equal(t, 30.0, cfg.FailureDecay)
	assert.Equal(t, 15*time.Second, cfg.FailureBackoff)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestTreeStartsAndStops(t *testing.T) {
	tree := fastTree()
	worker := &blockingService{name: "worker"}
	ops := &blockingService{name: "ops"}
	tree.AddPipeline(worker)
	tree.AddOps(ops)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tree.Serve(ctx) }()

	require.Eventually(t, func() bool { return worker.started.Load() == 1 && ops.started.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.False(t, IsTerminated(err))
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop")
	}
}

// 일반 실패는 재시작한다.
func TestTreeRestartsFailedService(t *testing.T) {
	tree := fastTree()
	svc := &failingService{err: errors.New("transient")}
	tree.AddPipeline(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = tree.Serve(ctx) }()

	require.Eventually(t, func() bool { return svc.runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestCriticalTerminatesTree(t *testing.T) {
	tree := fastTree()
	svc := &failingService{err: errors.New("basic.get: channel/connection is not open")}
	tree.AddPipeline(NewCritical(svc, func() bool { return true }))
	tree.AddOps(&blockingService{name: "ops"})

	done := make(chan error, 1)
	go func() { done <- tree.Serve(context.Background()) }()

	select {
	case err := <-done:
		assert.True(t, IsTerminated(err), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("tree kept running")
	}
	assert.Equal(t, int32(1), svc.runs.Load())
}

func TestCriticalPassesThroughWhenAlive(t *testing.T) {
	boom := errors.New("boom")
	c := NewCritical(&failingService{err: boom}, func() bool { return false })

	err := c.Serve(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsTerminated(err))
	assert.Equal(t, "failing", c.String())
}

func TestEventHookLogs(t *testing.T) {
	var buf bytes.Buffer
	hook := EventHook(zerolog.New(&buf))

	hook(suture.EventServiceTerminate{SupervisorName: "pipeline", ServiceName: "worker", Err: "fetch failed", Restarting: true})
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), `"service":"worker"`)

	buf.Reset()
	hook(suture.EventServicePanic{SupervisorName: "pipeline", ServiceName: "worker", PanicMsg: "boom"})
	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), `"panic":"boom"`)
}
