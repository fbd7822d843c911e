package idempotency

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryRecorder is the single-process fallback used when no Redis address is
// configured, and in tests.
type MemoryRecorder struct {
	entries *cache.Cache
}

// NewMemoryRecorder returns an in-process recorder with the same TTL as the
// Redis one.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{entries: cache.New(resultTTL, 10*time.Minute)}
}

func (m *MemoryRecorder) Get(ctx context.Context, tenant, key string) (Response, bool, error) {
	v, ok := m.entries.Get(tenant + ":" + key)
	if !ok {
		return Response{}, false, nil
	}
	return v.(Response), true, nil
}

func (m *MemoryRecorder) Put(ctx context.Context, tenant, key string, resp Response) error {
	// Add keeps the first write, matching the Redis SetNX behavior.
	_ = m.entries.Add(tenant+":"+key, resp, resultTTL)
	return nil
}
