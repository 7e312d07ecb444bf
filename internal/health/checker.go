// Package health runs periodic liveness checks against the service's two
// stateful dependencies and caches the last result for the probe endpoints.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type Config struct {
	RedisCheckInterval time.Duration
	DBCheckInterval    time.Duration
}

type Component string

const (
	ComponentRedis Component = "redis"
	ComponentDB    Component = "db"
)

type CheckResult struct {
	Timestamp time.Time `json:"timestamp"`
	Result    bool      `json:"result"`
}

type HealthChecks map[Component]CheckResult

type HealthStatus struct {
	Healthy bool         `json:"healthy"`
	Checks  HealthChecks `json:"checks"`
}

// Pinger is what the database layer exposes for health checking.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Checker struct {
	config *Config
	redis  *redis.Client
	db     Pinger
	log    *slog.Logger

	mu     sync.RWMutex
	checks HealthChecks
}

func NewChecker(redis *redis.Client, db Pinger, config *Config) *Checker {
	return &Checker{
		config: config,
		redis:  redis,
		db:     db,
		log:    slog.With("component", "health"),
		checks: HealthChecks{
			// Assume healthy until the first tick proves otherwise, so the
			// service doesn't flap during startup.
			ComponentDB:    CheckResult{Timestamp: time.Now(), Result: true},
			ComponentRedis: CheckResult{Timestamp: time.Now(), Result: true},
		},
	}
}

func (c *Checker) Run(ctx context.Context) {
	c.log.Debug("starting the health checker")

	redisTicker := time.NewTicker(c.config.RedisCheckInterval)
	defer redisTicker.Stop()

	dbTicker := time.NewTicker(c.config.DBCheckInterval)
	defer dbTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Debug("stopping the health checker")
			return

		case <-redisTicker.C:
			c.checkRedis(ctx)

		case <-dbTicker.C:
			c.checkDB(ctx)
		}
	}
}

func (c *Checker) checkRedis(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	_, err := c.redis.Ping(checkCtx).Result()

	c.record(ComponentRedis, err == nil)
}

func (c *Checker) checkDB(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	err := c.db.Ping(checkCtx)

	c.record(ComponentDB, err == nil)
}

func (c *Checker) record(component Component, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checks[component] = CheckResult{
		Timestamp: time.Now(),
		Result:    healthy,
	}
}

func (c *Checker) GetHealthStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	healthy := true
	checks := make(HealthChecks, len(c.checks))

	for component, check := range c.checks {
		checks[component] = check
		if !check.Result {
			healthy = false
			c.log.Error("component health check failed", "component", component)
		}
	}

	return HealthStatus{
		Healthy: healthy,
		Checks:  checks,
	}
}
