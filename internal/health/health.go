// Package health provides a registry of named subsystem health checkers and
// mirrors the aggregate onto the gRPC health service.
package health

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/swapdesk/internal/circuitbreaker"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	critical bool
	check    Checker
}

// NewRegistry creates a registry whose checks each get timeout to answer.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a checker. A failing critical checker makes the service
// unhealthy; a failing non-critical one only degrades it.
func (r *Registry) Register(name string, critical bool, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, critical: critical, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently. healthy is false only when a
// critical subsystem failed.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			st := nc.check(ctx)
			st.Name = nc.name
			st.Critical = nc.critical
			statuses[i] = st
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy && st.Critical {
			healthy = false
		}
	}
	return healthy, statuses
}

// SyncGRPC periodically publishes the aggregate status for service on srv
// until ctx ends, then marks it NOT_SERVING.
func (r *Registry) SyncGRPC(ctx context.Context, srv *grpchealth.Server, service string, interval time.Duration) {
	publish := func() {
		healthy, _ := r.CheckAll(ctx)
		st := healthpb.HealthCheckResponse_SERVING
		if !healthy {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		srv.SetServingStatus(service, st)
		srv.SetServingStatus("", st)
	}

	publish()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			srv.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
			srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
			return
		case <-ticker.C:
			publish()
		}
	}
}

// DBChecker pings the database.
func DBChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: "ping failed"}
		}
		return Status{Healthy: true}
	}
}

// BreakerChecker reports open circuits as unhealthy.
func BreakerChecker(b *circuitbreaker.Breaker) Checker {
	return func(context.Context) Status {
		if open := b.OpenKeys(); len(open) > 0 {
			return Status{Healthy: false, Detail: "open: " + strings.Join(open, ",")}
		}
		return Status{Healthy: true}
	}
}
