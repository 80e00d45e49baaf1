package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/adaptivx?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{
		db: db,
		q: queries{
			get: `SELECT value FROM properties WHERE asset_id = $1 AND namespace = $2 AND key = $3`,
			upsert: `INSERT INTO properties (asset_id, namespace, key, value, updated_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (asset_id, namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
			list: `SELECT DISTINCT asset_id FROM properties ORDER BY asset_id`,
			saveAudit: `INSERT INTO audit_entries (ts, asset_id, previous_json, next_json, health_index, rationale, manual)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			listAudit: `SELECT to_char(ts AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"'), asset_id,
				previous_json::text, next_json::text, health_index, rationale, manual
				FROM audit_entries ORDER BY id DESC LIMIT $1`,
		},
		ts: func(t time.Time) any { return t },
	}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS properties (
			asset_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (asset_id, namespace, key)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			asset_id TEXT NOT NULL,
			previous_json JSONB NOT NULL,
			next_json JSONB NOT NULL,
			health_index INTEGER NOT NULL,
			rationale TEXT NOT NULL,
			manual BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_asset ON audit_entries(asset_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
