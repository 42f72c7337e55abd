package siteconfig

import (
	"context"
	"fmt"

	"estat-pipeline/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository 는 대시보드가 관리하는 sites 테이블을 읽는다.
// 스키마/마이그레이션은 대시보드 쪽 책임이며, 여기서는 아래 컬럼만 사용한다.
//
//	domain                     text
//	ignore_ips_list            text[]
//	persist_query_params_list  text[]
type PostgresRepository struct {
	pool  *pgxpool.Pool
	query string
}

// NewPostgresRepository 는 table 이름을 받아 조회 SQL 을 만든다.
// table 은 설정값이므로 identifier 로 quoting 한다.
func NewPostgresRepository(pool *pgxpool.Pool, table string) *PostgresRepository {
	return &PostgresRepository{
		pool:  pool,
		query: selectSitesSQL(table),
	}
}

func selectSitesSQL(table string) string {
	ident := pgx.Identifier{table}
	return fmt.Sprintf(
		"SELECT domain, COALESCE(ignore_ips_list, '{}'), COALESCE(persist_query_params_list, '{}') FROM %s",
		ident.Sanitize(),
	)
}

// FetchSites 는 전체 사이트 목록을 한 번에 읽는다.
func (r *PostgresRepository) FetchSites(ctx context.Context) ([]model.SiteConfig, error) {
	rows, err := r.pool.Query(ctx, r.query)
	if err != nil {
		return nil, fmt.Errorf("query sites: %w", err)
	}

	sites, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.SiteConfig, error) {
		var s model.SiteConfig
		err := row.Scan(&s.Domain, &s.IgnoreIPs, &s.PersistQueryParams)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan sites: %w", err)
	}
	return sites, nil
}

// Connect 는 pgxpool 을 만들고 ping 까지 확인한다.
// 시작 시점 접속 실패는 치명적이므로 에러를 그대로 올린다.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse sites dsn: %w", err)
	}
	// 설정 reload 는 드물게 한 번씩만 읽으므로 커넥션은 적게 둔다.
	cfg.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open sites pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping sites db: %w", err)
	}
	return pool, nil
}
