package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"adaptivx/internal/config"
	"adaptivx/internal/model"
)

// Store is the key-addressed per-asset property store. Every mutation is a
// single-property patch; there are no multi-property transactions.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	GetProperty(ctx context.Context, assetID, namespace, key string) (string, bool, error)
	PatchProperty(ctx context.Context, assetID, namespace, key, value string) error
	ListAssets(ctx context.Context) ([]string, error)
}

// AuditSink is implemented by stores that can persist capability transitions.
type AuditSink interface {
	SaveAudit(ctx context.Context, entry model.AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error)
}

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "redis":
		return NewRedis(cfg.Redis)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

type queries struct {
	get       string
	upsert    string
	list      string
	saveAudit string
	listAudit string
}

type baseStore struct {
	db *sql.DB
	q  queries
	// ts converts a timestamp into the driver's bind value.
	ts func(time.Time) any
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) GetProperty(ctx context.Context, assetID, namespace, key string) (string, bool, error) {
	var value string
	err := b.db.QueryRowContext(ctx, b.q.get, assetID, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (b *baseStore) PatchProperty(ctx context.Context, assetID, namespace, key, value string) error {
	if assetID == "" || namespace == "" || key == "" {
		return errors.New("storage: asset id, namespace and key are required")
	}
	_, err := b.db.ExecContext(ctx, b.q.upsert, assetID, namespace, key, value, b.ts(nowUTC()))
	return err
}

func (b *baseStore) ListAssets(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, b.q.list)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (b *baseStore) SaveAudit(ctx context.Context, entry model.AuditEntry) error {
	_, err := b.db.ExecContext(ctx, b.q.saveAudit,
		b.ts(entry.Timestamp.UTC()),
		entry.AssetID,
		encodeJSON(entry.Previous),
		encodeJSON(entry.Next),
		entry.HealthIndex,
		entry.Rationale,
		entry.Manual,
	)
	return err
}

// ListAudit returns up to limit of the newest audit entries, oldest first.
func (b *baseStore) ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := b.db.QueryContext(ctx, b.q.listAudit, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AuditEntry
	for rows.Next() {
		var (
			e          model.AuditEntry
			ts         string
			prev, next string
		)
		if err := rows.Scan(&ts, &e.AssetID, &prev, &next, &e.HealthIndex, &e.Rationale, &e.Manual); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		_ = json.Unmarshal([]byte(prev), &e.Previous)
		_ = json.Unmarshal([]byte(next), &e.Next)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Rows come back newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
