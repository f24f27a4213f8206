package stage

import "context"

// Health summarizes the readiness of a pipeline stage.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Healthy constructs a ready Health record.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}

// healthChecker is satisfied by generator clients that can ping their
// backing service.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// GeneratorHealth probes the generator when it supports health checks.
// Fakes and stubs without a probe count as ready.
func GeneratorHealth(ctx context.Context, name string, gen any) Health {
	if gen == nil {
		return Unhealthy(name, "content generator not configured")
	}
	if checker, ok := gen.(healthChecker); ok {
		if err := checker.HealthCheck(ctx); err != nil {
			return Unhealthy(name, err.Error())
		}
	}
	return Healthy(name)
}
