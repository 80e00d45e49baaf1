package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"adaptivx/internal/apperr"
	"adaptivx/internal/config"
	"adaptivx/internal/model"
)

// Retrying retries failed property patches with bounded exponential backoff.
// Reads are passed through untouched; their failures surface as
// upstream-unavailable errors.
type Retrying struct {
	inner  Store
	cfg    config.RetryConfig
	logger *slog.Logger
}

func NewRetrying(inner Store, cfg config.RetryConfig, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	return &Retrying{inner: inner, cfg: cfg, logger: logger.With("component", "storage")}
}

func (r *Retrying) Init(ctx context.Context) error { return r.inner.Init(ctx) }

func (r *Retrying) Close() error { return r.inner.Close() }

func (r *Retrying) GetProperty(ctx context.Context, assetID, namespace, key string) (string, bool, error) {
	v, ok, err := r.inner.GetProperty(ctx, assetID, namespace, key)
	if err != nil {
		return "", false, wrapUpstream("storage.get", err)
	}
	return v, ok, nil
}

func (r *Retrying) ListAssets(ctx context.Context) ([]string, error) {
	ids, err := r.inner.ListAssets(ctx)
	if err != nil {
		return nil, wrapUpstream("storage.list", err)
	}
	return ids, nil
}

func (r *Retrying) PatchProperty(ctx context.Context, assetID, namespace, key, value string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := r.inner.PatchProperty(ctx, assetID, namespace, key, value)
		if err != nil && !transient(ctx, err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn("patch retry", "asset_id", assetID, "namespace", namespace, "key", key, "wait", wait, "error", err)
		}),
	)
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return wrapUpstream("storage.patch", err)
}

// SaveAudit forwards to the inner store when it persists audit entries.
func (r *Retrying) SaveAudit(ctx context.Context, entry model.AuditEntry) error {
	sink, ok := r.inner.(AuditSink)
	if !ok {
		return nil
	}
	return sink.SaveAudit(ctx, entry)
}

func (r *Retrying) ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	sink, ok := r.inner.(AuditSink)
	if !ok {
		return nil, nil
	}
	return sink.ListAudit(ctx, limit)
}

func transient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch apperr.KindOf(err) {
	case apperr.KindInvalid, apperr.KindNotFound:
		return false
	}
	return true
}

func wrapUpstream(op string, err error) error {
	if apperr.KindOf(err) != apperr.KindUndefined {
		return err
	}
	return apperr.Upstream(op, err)
}
