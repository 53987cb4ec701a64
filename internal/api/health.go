package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/felipepmaragno/streamstack/internal/domain"
	"github.com/felipepmaragno/streamstack/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

var errDispatcherStopped = errors.New("dispatcher is not pulling requests")

// HealthChecker checks one dependency for /health/ready.
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}

type checkFunc struct {
	name  string
	check func(ctx context.Context) error
}

func (c checkFunc) Name() string                    { return c.name }
func (c checkFunc) Check(ctx context.Context) error { return c.check(ctx) }

// RedisChecker pings the Redis instance behind the shared limiter and queue.
func RedisChecker(client *redis.Client) HealthChecker {
	return checkFunc{name: "redis", check: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

// PostgresChecker pings the usage ledger database.
func PostgresChecker(db *sql.DB) HealthChecker {
	return checkFunc{name: "postgres", check: db.PingContext}
}

// ReadyStatus is the body of /health/ready.
type ReadyStatus struct {
	Status  string                 `json:"status"`
	Checks  map[string]CheckResult `json:"checks"`
	Version string                 `json:"version,omitempty"`
}

type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// gatewayChecks report the gateway's own lifecycle. A draining instance
// reports not_ready before its dependencies go away.
func (h *Handler) gatewayChecks() []HealthChecker {
	return []HealthChecker{
		checkFunc{name: "admission", check: func(context.Context) error {
			if h.controller.Closed() {
				return domain.ErrShuttingDown
			}
			return nil
		}},
		checkFunc{name: "dispatch", check: func(context.Context) error {
			if !h.dispatching() {
				return errDispatcherStopped
			}
			return nil
		}},
	}
}

func runChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	results := make(map[string]CheckResult, len(checkers))
	var mu sync.Mutex

	var g errgroup.Group
	for _, c := range checkers {
		g.Go(func() error {
			start := time.Now()
			err := c.Check(ctx)
			res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "error"
				res.Error = err.Error()
			}

			mu.Lock()
			results[c.Name()] = res
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}

func (h *Handler) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.readyTimeout)
	defer cancel()

	checks := append(h.gatewayChecks(), h.checkers...)
	st := ReadyStatus{
		Status:  "ready",
		Checks:  runChecks(ctx, checks),
		Version: telemetry.Version,
	}

	code := http.StatusOK
	for _, res := range st.Checks {
		if res.Status != "ok" {
			st.Status = "not_ready"
			code = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, st)
}
