package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PG implements the key-value contract on Postgres for deployments where Redis
// is not part of the fleet. Expired rows are treated as misses and reaped lazily.
type PG struct {
	db *sql.DB
}

func NewPG(dsn string) (*PG, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	s := &PG{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PG) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
create table if not exists orchestrator_kv (
  key text primary key,
  value bytea not null,
  expires_at timestamptz,
  updated_at timestamptz not null
);
create index if not exists orchestrator_kv_expiry on orchestrator_kv (expires_at);
`)
	return err
}

func (s *PG) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, `select value, expires_at from orchestrator_kv where key=$1`, key).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expires.Valid && time.Now().UTC().After(expires.Time) {
		_, _ = s.db.ExecContext(ctx, `delete from orchestrator_kv where key=$1`, key)
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *PG) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expires sql.NullTime
	if ttl > 0 {
		expires = sql.NullTime{Time: time.Now().UTC().Add(ttl), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `insert into orchestrator_kv (key, value, expires_at, updated_at)
values ($1,$2,$3,$4)
on conflict (key) do update set value = excluded.value, expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		key, value, expires, time.Now().UTC())
	return err
}

func (s *PG) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `delete from orchestrator_kv where key=$1`, key)
	return err
}

func (s *PG) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (s *PG) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `select key from orchestrator_kv
where key like $1 || '%' and (expires_at is null or expires_at > now())
order by key asc`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			continue
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (s *PG) Close() error {
	return s.db.Close()
}
