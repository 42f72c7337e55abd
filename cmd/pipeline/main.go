package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"estat-pipeline/internal/archive"
	"estat-pipeline/internal/config"
	"estat-pipeline/internal/index"
	"estat-pipeline/internal/logger"
	"estat-pipeline/internal/metrics"
	"estat-pipeline/internal/pipeline"
	"estat-pipeline/internal/queue"
	"estat-pipeline/internal/server"
	"estat-pipeline/internal/siteconfig"
	"estat-pipeline/internal/supervisor"
	"estat-pipeline/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

func main() {
	// ====================================================================
	// Config & Logger
	// ====================================================================
	//
	// 잘못된 설정은 기동 실패다. 로거 초기화 전이므로 stderr 로 남긴다.
	// ====================================================================
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("[FATAL] " + err.Error() + "\n")
		os.Exit(1)
	}
	logger.Init(cfg)

	// ====================================================================
	// CPU 설정 (Fargate vCPU 대응)
	// ====================================================================
	//
	// 컨테이너에 할당된 vCPU 보다 GOMAXPROCS 가 크면 스케줄링 비용만 늘어난다.
	// GOMAXPROCS 환경변수로 task 마다 조정한다.
	// worker.concurrency 를 비워두면 이 값이 동시 처리 상한이 된다.
	// ====================================================================
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("pipeline stopped with error")
		stop()
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	pepper, err := pipeline.LoadPepper(cfg.Hash)
	if err != nil {
		return err
	}

	// ====================================================================
	// 사이트 설정: 최초 load 실패 = 기동 실패
	// ====================================================================
	pg, err := siteconfig.Connect(ctx, cfg.Sites.DSN)
	if err != nil {
		return err
	}
	defer pg.Close()

	store := siteconfig.NewStore(siteconfig.NewPostgresRepository(pg, cfg.Sites.Table), m, cfg.Sites.QueryTimeout)
	if err := store.Reload(ctx); err != nil {
		return err
	}

	// ====================================================================
	// Elasticsearch: client 는 프로세스당 1개, 기동 시 ping
	// ====================================================================
	es, err := index.NewClient(ctx, cfg.Search, nil)
	if err != nil {
		return err
	}

	conn, err := queue.Dial(cfg.Queue, cfg.Service.Name+"@"+cfg.Service.InstanceID)
	if err != nil {
		return err
	}
	defer conn.Close()

	// ====================================================================
	// 실패 배치 보관 (선택)
	// ====================================================================
	var (
		archiver *archive.Archiver
		sink     index.Archiver
	)
	if cfg.ArchiveEnabled() {
		up, err := archive.NewS3Uploader(ctx, cfg.Archive)
		if err != nil {
			return err
		}
		archiver = archive.New(up, cfg.Archive, cfg.Service.InstanceID, m)
		sink = archiver
		go archiver.Run(context.WithoutCancel(ctx))
	}

	writer := index.NewWriter(es, cfg.Breaker, m, sink)
	backfill := index.NewBackfill(es, cfg.Breaker, m)
	p := pipeline.New(store, pepper, writer, backfill, m)
	loop := worker.NewLoop(conn, p, cfg.Worker, m)

	notifier := siteconfig.NewNotifier(conn, cfg.Reload.Exchange, cfg.Reload.Window, cfg.Reload.Buffer)
	notifier.Subscribe(store.ReloadAndLog(context.WithoutCancel(ctx)))

	ops := server.New(cfg.HTTP.Addr, reg, map[string]server.Check{
		"site_config": func() error {
			if !store.Loaded() {
				return errors.New("site config not loaded")
			}
			return nil
		},
		"queue": func() error {
			if conn.IsClosed() {
				return errors.New("rabbitmq connection closed")
			}
			return nil
		},
		"search": func() error { return es.Ping(context.WithoutCancel(ctx)) },
	})

	// ====================================================================
	// Supervisor tree
	// ====================================================================
	//
	// AMQP 연결이 끊기면 worker / notifier 를 재시작해도 소용없으므로
	// 트리를 내리고 프로세스를 종료한다.
	// ====================================================================
	tree := supervisor.New(cfg.Service.Name, supervisor.TreeConfig{})
	tree.AddPipeline(supervisor.NewCritical(loop, conn.IsClosed))
	tree.AddPipeline(supervisor.NewCritical(notifier, conn.IsClosed))
	tree.AddOps(ops)

	log.Info().
		Int("sites", store.Sites()).
		Int("concurrency", cfg.Worker.EffectiveConcurrency()).
		Bool("archive", cfg.ArchiveEnabled()).
		Msg("pipeline started")

	treeErr := tree.Serve(ctx)

	// ====================================================================
	// Graceful shutdown
	// ====================================================================
	//
	//  1. 이미 꺼낸 메시지 처리 완료 대기 (ack 까지)
	//  2. 체류시간 backfill 대기
	//  3. 실패 배치 보관 flush
	//  4. AMQP / postgres 종료 (defer)
	// ====================================================================
	log.Info().Msg("draining in-flight messages")
	if !loop.Wait(cfg.Worker.DrainTimeout) {
		log.Warn().Dur("timeout", cfg.Worker.DrainTimeout).Msg("in-flight messages did not finish, broker will redeliver")
	}
	if !backfill.Wait(5 * time.Second) {
		log.Warn().Msg("time-spent backfills did not finish")
	}
	if archiver != nil && !archiver.Close(cfg.Archive.Timeout*time.Duration(cfg.Archive.Retries)) {
		log.Warn().Msg("archive queue not flushed")
	}

	if supervisor.IsTerminated(treeErr) {
		return treeErr
	}
	return nil
}
