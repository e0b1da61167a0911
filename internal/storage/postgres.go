package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "github.com/koorzenb/announcement-scheduler/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	st := &postgresStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Debug("postgres store opened")
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations_pg.sql")
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, string(b)); err != nil {
		return fmt.Errorf("failed to execute migrations: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE announcement_meta SET value = (SELECT MAX(id) FROM announcement_entries)
		 WHERE key = 'next_id' AND value < (SELECT COALESCE(MAX(id), 0) FROM announcement_entries)`)
	return err
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) Put(ctx context.Context, e Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}
	r, err := encodeRow(e)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO announcement_entries (id, content, rule_kind, rule_days, time_of_day, scheduled_at, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (id) DO UPDATE SET
			   content = EXCLUDED.content, rule_kind = EXCLUDED.rule_kind, rule_days = EXCLUDED.rule_days,
			   time_of_day = EXCLUDED.time_of_day, scheduled_at = EXCLUDED.scheduled_at,
			   metadata = EXCLUDED.metadata, created_at = EXCLUDED.created_at`,
			r.ID, r.Content, r.RuleKind, nullStr(r.RuleDays), nullStr(r.TimeOfDay), r.ScheduledAt, nullStr(r.Metadata), r.CreatedAt,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE announcement_meta SET value = $1 WHERE key = 'next_id' AND value < $1`, r.ID)
		return err
	})
}

func (s *postgresStore) Get(ctx context.Context, id int64) (Entry, error) {
	e, err := scanRow(s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM announcement_entries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func (s *postgresStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM announcement_entries ORDER BY scheduled_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *postgresStore) Delete(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM announcement_entries WHERE id = $1`, id)
	return err
}

func (s *postgresStore) NextID(ctx context.Context) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`UPDATE announcement_meta SET value = value + 1 WHERE key = 'next_id' RETURNING value`).Scan(&id)
	return id, err
}
