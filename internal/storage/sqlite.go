package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:adaptivx.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{
		db: db,
		q: queries{
			get: `SELECT value FROM properties WHERE asset_id = ? AND namespace = ? AND key = ?`,
			upsert: `INSERT INTO properties (asset_id, namespace, key, value, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(asset_id, namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			list: `SELECT DISTINCT asset_id FROM properties ORDER BY asset_id`,
			saveAudit: `INSERT INTO audit_entries (ts, asset_id, previous_json, next_json, health_index, rationale, manual)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
			listAudit: `SELECT ts, asset_id, previous_json, next_json, health_index, rationale, manual
				FROM audit_entries ORDER BY id DESC LIMIT ?`,
		},
		ts: func(t time.Time) any { return t.Format(time.RFC3339Nano) },
	}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS properties (
			asset_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (asset_id, namespace, key)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			previous_json TEXT NOT NULL,
			next_json TEXT NOT NULL,
			health_index INTEGER NOT NULL,
			rationale TEXT NOT NULL,
			manual BOOLEAN NOT NULL DEFAULT 0
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
