// Package server 는 운영용 HTTP 엔드포인트를 제공한다.
//
//   - /health  : 프로세스가 살아 있으면 200 (ALB / k8s liveness)
//   - /ready   : 모든 readiness check 통과 시 200, 아니면 503
//   - /metrics : prometheus
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"estat-pipeline/internal/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Check 는 준비되지 않았으면 이유를 담은 에러를 반환한다.
type Check func() error

// Server 는 suture.Service 로 돌아간다.
type Server struct {
	addr   string
	router chi.Router
	log    zerolog.Logger

	shutdownTimeout time.Duration
}

func New(addr string, gatherer prometheus.Gatherer, checks map[string]Check) *Server {
	s := &Server{
		addr:            addr,
		log:             logger.Component("http"),
		shutdownTimeout: 5 * time.Second,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		// ALB 는 단순 문자열로도 health 판단 가능
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ready", readyHandler(checks))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.router = r
	return s
}

// Handler 는 테스트용.
func (s *Server) Handler() http.Handler {
	return s.router
}

type readiness struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

func readyHandler(checks map[string]Check) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, _ *http.Request) {
		res := readiness{Ready: true, Checks: make(map[string]string, len(names))}
		for _, name := range names {
			if err := checks[name](); err != nil {
				res.Ready = false
				res.Checks[name] = err.Error()
				continue
			}
			res.Checks[name] = "ok"
		}

		status := http.StatusOK
		if !res.Ready {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(res)
	}
}

// Serve 는 ctx 가 끝날 때까지 listen 한다. 종료 시 진행 중인 요청을 잠깐 기다린다.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("ops http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("ops http: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("ops http shutdown: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *Server) String() string { return "ops-http" }
