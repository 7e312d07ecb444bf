package retry

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const breakerKey = "sepa-collector:breaker:bank"

// RedisStateStore persists circuit-breaker state in Redis so an open breaker
// survives a process restart instead of hammering a degraded bank interface
// the moment the service comes back.
type RedisStateStore struct {
	client *redis.Client
}

func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func (s *RedisStateStore) SaveBreaker(ctx context.Context, state BreakerState,
	failures int, since time.Time) error {

	err := s.client.HSet(ctx, breakerKey, map[string]interface{}{
		"state":    string(state),
		"failures": failures,
		"since":    since.UTC().Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return fmt.Errorf("save breaker state: %w", err)
	}

	return nil
}

func (s *RedisStateStore) LoadBreaker(ctx context.Context) (
	BreakerState, int, time.Time, error) {

	values, err := s.client.HGetAll(ctx, breakerKey).Result()
	if err != nil {
		return "", 0, time.Time{}, fmt.Errorf("load breaker state: %w", err)
	}

	if len(values) == 0 {
		return "", 0, time.Time{}, nil
	}

	var failures int
	fmt.Sscanf(values["failures"], "%d", &failures)

	since, err := time.Parse(time.RFC3339Nano, values["since"])
	if err != nil {
		return "", 0, time.Time{}, fmt.Errorf("parse breaker timestamp: %w", err)
	}

	return BreakerState(values["state"]), failures, since, nil
}
