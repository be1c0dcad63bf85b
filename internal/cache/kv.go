package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/xiaot623/gogo/runsync/internal/apperr"
)

// KV is the persisted key/value storage behind the session cache.
// Get returns nil, nil for a missing key. Set fails with an error matching
// apperr.ErrStorageQuotaExceeded when the write would exceed the quota.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// MemoryKV is a process-local KV with an optional byte quota.
type MemoryKV struct {
	mu    sync.Mutex
	data  map[string][]byte
	quota int
}

// NewMemoryKV creates a MemoryKV. A quota of 0 disables the limit.
func NewMemoryKV(quota int) *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte), quota: quota}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quota > 0 {
		used := len(value)
		for k, v := range m.data {
			if k != key {
				used += len(v)
			}
		}
		if used > m.quota {
			return quotaError(used, m.quota)
		}
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func quotaError(used, quota int) error {
	return apperr.New(apperr.CodeStorageQuotaExceeded,
		fmt.Sprintf("write of %d bytes exceeds quota of %d bytes", used, quota), nil)
}
