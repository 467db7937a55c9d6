package repositories

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

const defaultDependencyTimeout = 1500 * time.Millisecond

const (
	// HealthStatusOK indicates all dependencies responded.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates a dependency failed but the service can still take traffic.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates a dependency timed out or was cancelled.
	HealthStatusError = "error"
)

// HealthCheck is the outcome of one dependency check.
type HealthCheck struct {
	Status    string
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// HealthReport aggregates dependency checks.
type HealthReport struct {
	Status      string
	Checks      map[string]HealthCheck
	GeneratedAt time.Time
}

// Dependency is a named check run during readiness reporting.
type Dependency struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

type dependencyHealthRepository struct {
	deps []Dependency
	now  func() time.Time
}

// NewDependencyHealthRepository builds a HealthRepository that checks deps concurrently.
func NewDependencyHealthRepository(deps []Dependency, clock func() time.Time) (HealthRepository, error) {
	if len(deps) == 0 {
		return nil, errors.New("health repository: at least one dependency is required")
	}
	for _, dep := range deps {
		if strings.TrimSpace(dep.Name) == "" || dep.Check == nil {
			return nil, errors.New("health repository: dependencies need a name and a check")
		}
	}
	if clock == nil {
		clock = time.Now
	}
	return &dependencyHealthRepository{deps: append([]Dependency(nil), deps...), now: clock}, nil
}

func (r *dependencyHealthRepository) Collect(ctx context.Context) (HealthReport, error) {
	results := make(map[string]HealthCheck, len(r.deps))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, dep := range r.deps {
		wg.Add(1)
		go func(dep Dependency) {
			defer wg.Done()
			timeout := dep.Timeout
			if timeout <= 0 {
				timeout = defaultDependencyTimeout
			}
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := r.now()
			err := dep.Check(checkCtx)
			end := r.now()

			check := HealthCheck{Status: HealthStatusOK, Detail: "ok", Latency: end.Sub(start), CheckedAt: end}
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				check.Status = HealthStatusError
				check.Detail = err.Error()
			default:
				check.Status = HealthStatusDegraded
				check.Detail = err.Error()
			}

			mu.Lock()
			results[dep.Name] = check
			mu.Unlock()
		}(dep)
	}
	wg.Wait()

	status := HealthStatusOK
	for _, check := range results {
		if check.Status == HealthStatusError {
			status = HealthStatusError
			break
		}
		if check.Status == HealthStatusDegraded {
			status = HealthStatusDegraded
		}
	}
	return HealthReport{Status: status, Checks: results, GeneratedAt: r.now()}, nil
}
