package daemon_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"loom/internal/artifacts"
	"loom/internal/bus"
	"loom/internal/config"
	"loom/internal/daemon"
	"loom/internal/gate"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/review"
	"loom/internal/stage"
	"loom/internal/workflow"
)

type idleStage struct{}

func (idleStage) Prepare(context.Context, *queue.Item) error { return nil }
func (idleStage) Execute(context.Context, *queue.Item) (gate.Assessment, error) {
	return gate.Assessment{Score: 1, CompletedSubUnits: 1, TotalSubUnits: 1}, nil
}
func (idleStage) HealthCheck(context.Context) stage.Health { return stage.Healthy("idle") }

func newTestDaemon(t *testing.T) (*daemon.Daemon, *config.Config) {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = base
	cfg.Paths.ArtifactsDir = filepath.Join(base, "artifacts")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open failed: %v", err)
	}
	artifactStore, err := artifacts.NewFSStore(cfg.Paths.ArtifactsDir)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	reviews := review.NewManager(cfg, review.NewMemoryStore(), logging.NewNop())
	wf := workflow.NewManager(cfg, store, artifactStore, reviews, logging.NewNop())
	wf.ConfigureStages(workflow.StageSet{
		Validate: idleStage{},
		Document: idleStage{},
		Specify:  idleStage{},
		Generate: idleStage{},
		Verify:   idleStage{},
	})

	d, err := daemon.New(cfg, store, artifactStore, reviews, wf, bus.New(8), logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, cfg
}

func TestDaemonStartStop(t *testing.T) {
	d, _ := newTestDaemon(t)

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second Start to fail")
	}
	status := d.Status(ctx)
	if !status.Running {
		t.Fatal("expected running status")
	}
	d.Stop()
	if d.Status(ctx).Running {
		t.Fatal("expected stopped status")
	}
}

func TestSubmitSourceEnqueuesItem(t *testing.T) {
	d, cfg := newTestDaemon(t)
	ctx := context.Background()

	source := filepath.Join(t.TempDir(), "billing-service.md")
	if err := os.WriteFile(source, []byte("# Billing service\n"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	item, created, err := d.SubmitSource(ctx, source)
	if err != nil {
		t.Fatalf("SubmitSource failed: %v", err)
	}
	if !created {
		t.Fatal("expected new item")
	}
	if item.Status != queue.StatusPending {
		t.Fatalf("status = %s, want pending", item.Status)
	}

	stored, err := os.ReadFile(filepath.Join(cfg.Paths.ArtifactsDir, daemon.UploadNamespace, "billing-service.md"))
	if err != nil {
		t.Fatalf("expected source artifact: %v", err)
	}
	if string(stored) != "# Billing service\n" {
		t.Fatalf("artifact content mismatch: %q", stored)
	}

	_, createdAgain, err := d.SubmitSource(ctx, source)
	if err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	if createdAgain {
		t.Fatal("expected resubmission to return existing item")
	}
}

func TestSubmitSourceRejectsUnknownExtension(t *testing.T) {
	d, _ := newTestDaemon(t)
	source := filepath.Join(t.TempDir(), "disc.iso")
	if err := os.WriteFile(source, []byte("binary"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if _, _, err := d.SubmitSource(context.Background(), source); err == nil {
		t.Fatal("expected unsupported extension error")
	}
}
