package testsupport

import (
	"path/filepath"
	"testing"

	"loom/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t   testing.TB
	cfg *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.ArtifactsDir = filepath.Join(base, "artifacts")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Generator.APIKey = "test"

	builder := &configBuilder{t: t, cfg: cfg}
	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithStagePolicy overrides the gate policy for one stage.
func WithStagePolicy(stage string, policy config.StagePolicy) ConfigOption {
	return func(b *configBuilder) {
		if b.cfg.Stages == nil {
			b.cfg.Stages = map[string]config.StagePolicy{}
		}
		b.cfg.Stages[stage] = policy
	}
}

// WithMaxConcurrentItems bounds workflow concurrency on the test config.
func WithMaxConcurrentItems(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workflow.MaxConcurrentItems = n
	}
}
