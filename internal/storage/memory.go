package storage

import (
	"context"
	"errors"
	"sync"
)

type memoryStore struct {
	mu     sync.RWMutex
	assets map[string]map[string]string
}

// NewMemory returns a process-local store. It is the default driver and the
// one used by most tests.
func NewMemory() Store {
	return &memoryStore{assets: make(map[string]map[string]string)}
}

func (m *memoryStore) Init(ctx context.Context) error { return nil }

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) GetProperty(ctx context.Context, assetID, namespace, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	props, ok := m.assets[assetID]
	if !ok {
		return "", false, nil
	}
	v, ok := props[namespace+"."+key]
	return v, ok, nil
}

func (m *memoryStore) PatchProperty(ctx context.Context, assetID, namespace, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if assetID == "" || namespace == "" || key == "" {
		return errors.New("storage: asset id, namespace and key are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	props, ok := m.assets[assetID]
	if !ok {
		props = make(map[string]string)
		m.assets[assetID] = props
	}
	props[namespace+"."+key] = value
	return nil
}

func (m *memoryStore) ListAssets(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.assets), nil
}
