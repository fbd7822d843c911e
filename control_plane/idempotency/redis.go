package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const resultTTL = 24 * time.Hour

// RedisRecorder persists idempotency records in Redis so replays survive
// restarts and cover all replicas behind one load balancer.
type RedisRecorder struct {
	client *redis.Client
}

// NewRedisRecorder wires a recorder over an existing client.
func NewRedisRecorder(client *redis.Client) *RedisRecorder {
	return &RedisRecorder{client: client}
}

func redisKey(tenant, key string) string {
	return fmt.Sprintf("camshaft:idem:%s:%s", tenant, key)
}

func (r *RedisRecorder) Get(ctx context.Context, tenant, key string) (Response, bool, error) {
	raw, err := r.client.Get(ctx, redisKey(tenant, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, fmt.Errorf("idempotency get: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, false, fmt.Errorf("idempotency decode: %w", err)
	}
	return resp, true, nil
}

func (r *RedisRecorder) Put(ctx context.Context, tenant, key string, resp Response) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("idempotency encode: %w", err)
	}
	// SetNX keeps the first recorded response; a racing duplicate request
	// must replay that one, not overwrite it.
	if err := r.client.SetNX(ctx, redisKey(tenant, key), raw, resultTTL).Err(); err != nil {
		return fmt.Errorf("idempotency put: %w", err)
	}
	return nil
}
