package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"adaptivx/internal/config"
	"adaptivx/internal/model"
)

const redisAuditLimit = 10000

// redisStore keeps one hash per asset and namespace, plus a set of known
// asset ids and a capped audit list.
type redisStore struct {
	client *redis.Client
	prefix string
}

func NewRedis(cfg config.RedisConfig) (Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("storage: redis addr is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "adaptivx"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &redisStore{client: client, prefix: prefix}, nil
}

func (r *redisStore) hashKey(assetID, namespace string) string {
	return r.prefix + ":asset:" + assetID + ":" + namespace
}

func (r *redisStore) assetsKey() string { return r.prefix + ":assets" }

func (r *redisStore) auditKey() string { return r.prefix + ":audit" }

func (r *redisStore) Init(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisStore) Close() error {
	return r.client.Close()
}

func (r *redisStore) GetProperty(ctx context.Context, assetID, namespace, key string) (string, bool, error) {
	v, err := r.client.HGet(ctx, r.hashKey(assetID, namespace), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *redisStore) PatchProperty(ctx context.Context, assetID, namespace, key, value string) error {
	if assetID == "" || namespace == "" || key == "" {
		return errors.New("storage: asset id, namespace and key are required")
	}
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.assetsKey(), assetID)
	pipe.HSet(ctx, r.hashKey(assetID, namespace), key, value)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *redisStore) ListAssets(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.assetsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *redisStore) SaveAudit(ctx context.Context, entry model.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, r.auditKey(), data)
	pipe.LTrim(ctx, r.auditKey(), -redisAuditLimit, -1)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *redisStore) ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	raw, err := r.client.LRange(ctx, r.auditKey(), int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.AuditEntry, 0, len(raw))
	for _, item := range raw {
		var e model.AuditEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
