package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"loom/internal/config"
	"loom/internal/queue"
	"loom/internal/review"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	baseDir    string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	configPath := filepath.Join(base, "config.toml")
	content := fmt.Sprintf(
		"[paths]\ndata_dir = %q\nartifacts_dir = %q\nlog_dir = %q\n",
		filepath.Join(base, "data"),
		filepath.Join(base, "artifacts"),
		filepath.Join(base, "logs"),
	)
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	return &cliTestEnv{cfg: cfg, configPath: configPath, baseDir: base}
}

func (env *cliTestEnv) openQueue(t *testing.T) *queue.Store {
	t.Helper()
	store, err := queue.Open(env.cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func (env *cliTestEnv) openReviews(t *testing.T) *review.SQLiteStore {
	t.Helper()
	store, err := review.OpenStore(env.cfg)
	if err != nil {
		t.Fatalf("review.OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func runCLI(t *testing.T, configPath string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestCLIQueueCommands(t *testing.T) {
	env := setupCLITestEnv(t)
	store := env.openQueue(t)
	ctx := context.Background()

	alpha, _, err := store.Submit(ctx, "uploads", "alpha.md", "")
	if err != nil {
		t.Fatalf("submit alpha: %v", err)
	}
	beta, _, err := store.Submit(ctx, "uploads", "beta.md", "")
	if err != nil {
		t.Fatalf("submit beta: %v", err)
	}
	beta.SetFailed("generator unavailable")
	if err := store.Update(ctx, beta); err != nil {
		t.Fatalf("fail beta: %v", err)
	}

	out, _, err := runCLI(t, env.configPath, "queue", "status")
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	if !strings.Contains(out, "Pending") || !strings.Contains(out, "Failed") {
		t.Fatalf("unexpected queue status output: %q", out)
	}

	out, _, err = runCLI(t, env.configPath, "queue", "list")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	if !strings.Contains(out, "alpha") || !strings.Contains(out, "beta") {
		t.Fatalf("queue list missing items: %q", out)
	}

	out, _, err = runCLI(t, env.configPath, "queue", "list", "--status", "failed")
	if err != nil {
		t.Fatalf("queue list --status: %v", err)
	}
	if strings.Contains(out, "alpha") || !strings.Contains(out, "beta") {
		t.Fatalf("status filter not applied: %q", out)
	}

	out, _, err = runCLI(t, env.configPath, "queue", "retry")
	if err != nil {
		t.Fatalf("queue retry: %v", err)
	}
	if !strings.Contains(out, "Retried 1 failed items") {
		t.Fatalf("unexpected retry output: %q", out)
	}
	retried, err := store.GetByID(ctx, beta.ID)
	if err != nil {
		t.Fatalf("GetByID after retry: %v", err)
	}
	if retried.Status != queue.StatusPending {
		t.Fatalf("expected beta back to pending, got %s", retried.Status)
	}

	out, _, err = runCLI(t, env.configPath, "queue", "health")
	if err != nil {
		t.Fatalf("queue health: %v", err)
	}
	if !strings.Contains(out, "Total: 2") {
		t.Fatalf("unexpected health output: %q", out)
	}

	out, _, err = runCLI(t, env.configPath, "cancel", fmt.Sprintf("%d", alpha.ID))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !strings.Contains(out, "abandoned") {
		t.Fatalf("unexpected cancel output: %q", out)
	}
	cancelled, err := store.GetByID(ctx, alpha.ID)
	if err != nil {
		t.Fatalf("GetByID after cancel: %v", err)
	}
	if cancelled.Status != queue.StatusAbandoned {
		t.Fatalf("expected alpha abandoned, got %s", cancelled.Status)
	}
	if _, _, err := runCLI(t, env.configPath, "cancel", fmt.Sprintf("%d", alpha.ID)); err == nil {
		t.Fatal("expected cancelling a terminal item to fail")
	}

	out, _, err = runCLI(t, env.configPath, "queue", "clear")
	if err != nil {
		t.Fatalf("queue clear: %v", err)
	}
	if !strings.Contains(out, "Cleared 2 queue items") {
		t.Fatalf("unexpected clear output: %q", out)
	}

	out, _, err = runCLI(t, env.configPath, "queue", "status")
	if err != nil {
		t.Fatalf("queue status after clear: %v", err)
	}
	if !strings.Contains(out, "Queue is empty") {
		t.Fatalf("expected empty queue message, got %q", out)
	}
}

func TestCLIQueueShowIncludesHistory(t *testing.T) {
	env := setupCLITestEnv(t)
	store := env.openQueue(t)
	ctx := context.Background()

	item, _, err := store.Submit(ctx, "uploads", "gamma.md", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := item.AppendHistory(queue.StageRecord{
		Stage:             "validate",
		Verdict:           "auto_advance",
		Score:             0.93,
		CompletedSubUnits: 1,
		TotalSubUnits:     1,
	}); err != nil {
		t.Fatalf("append history: %v", err)
	}
	item.Status = queue.StatusValidated
	if err := store.Update(ctx, item); err != nil {
		t.Fatalf("update: %v", err)
	}

	out, _, err := runCLI(t, env.configPath, "queue", "show", fmt.Sprintf("%d", item.ID))
	if err != nil {
		t.Fatalf("queue show: %v", err)
	}
	for _, want := range []string{"gamma", "validated", "auto_advance", "0.93"} {
		if !strings.Contains(out, want) {
			t.Fatalf("queue show output missing %q: %q", want, out)
		}
	}
}

func TestCLIQueueRemoveCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	store := env.openQueue(t)
	ctx := context.Background()

	item, _, err := store.Submit(ctx, "uploads", "delta.md", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	out, _, err := runCLI(t, env.configPath, "queue", "remove", fmt.Sprintf("%d", item.ID))
	if err != nil {
		t.Fatalf("queue remove: %v", err)
	}
	if !strings.Contains(out, "Removed item") {
		t.Fatalf("unexpected remove output: %q", out)
	}
	gone, err := store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetByID after remove: %v", err)
	}
	if gone != nil {
		t.Fatalf("item still present: %+v", gone)
	}
	if _, _, err := runCLI(t, env.configPath, "queue", "remove", fmt.Sprintf("%d", item.ID)); err == nil {
		t.Fatal("expected removing a missing item to fail")
	}

	busy, _, err := store.Submit(ctx, "uploads", "epsilon.md", "")
	if err != nil {
		t.Fatalf("submit busy: %v", err)
	}
	busy.Status = queue.StatusValidating
	if err := store.Update(ctx, busy); err != nil {
		t.Fatalf("update busy: %v", err)
	}
	if _, _, err := runCLI(t, env.configPath, "queue", "remove", fmt.Sprintf("%d", busy.ID)); err == nil {
		t.Fatal("expected removing an in-flight item to fail")
	}
}

func TestCLISubmitCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	sourcePath := filepath.Join(env.baseDir, "billing-service.md")
	if err := os.WriteFile(sourcePath, []byte("# Billing Service\n"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	out, _, err := runCLI(t, env.configPath, "submit", sourcePath)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(out, "Submitted billing-service (item") {
		t.Fatalf("unexpected submit output: %q", out)
	}

	stored := filepath.Join(env.cfg.Paths.ArtifactsDir, "uploads", "billing-service.md")
	if _, err := os.Stat(stored); err != nil {
		t.Fatalf("expected uploaded artifact at %s: %v", stored, err)
	}

	out, _, err = runCLI(t, env.configPath, "submit", sourcePath)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !strings.Contains(out, "already queued") {
		t.Fatalf("expected duplicate notice, got %q", out)
	}

	badPath := filepath.Join(env.baseDir, "disc.iso")
	if err := os.WriteFile(badPath, []byte("data"), 0o644); err != nil {
		t.Fatalf("write bad source: %v", err)
	}
	if _, _, err := runCLI(t, env.configPath, "submit", badPath); err == nil {
		t.Fatal("expected unsupported extension to fail")
	}
}

func TestCLIReviewCommands(t *testing.T) {
	env := setupCLITestEnv(t)
	reviews := env.openReviews(t)
	ctx := context.Background()

	session := &review.Session{
		SessionID:  "sess-alpha",
		WorkItemID: 7,
		ItemKey:    "alpha.md",
		Stage:      "specify",
		Reviewers:  []string{"alice"},
		Score:      0.82,
		Context:    "score 0.82 below threshold 0.85",
		DeadlineAt: time.Now().Add(time.Hour),
	}
	if err := reviews.Create(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}

	out, _, err := runCLI(t, env.configPath, "review", "list")
	if err != nil {
		t.Fatalf("review list: %v", err)
	}
	if !strings.Contains(out, "sess-alpha") || !strings.Contains(out, "specify") {
		t.Fatalf("unexpected review list output: %q", out)
	}

	if _, _, err := runCLI(t, env.configPath, "review", "resolve", "sess-alpha", "approve"); err == nil {
		t.Fatal("expected resolve without --reviewer to fail")
	}

	out, _, err = runCLI(t, env.configPath, "review", "resolve", "sess-alpha", "approve",
		"--reviewer", "alice", "--comments", "looks right")
	if err != nil {
		t.Fatalf("review resolve: %v", err)
	}
	if !strings.Contains(out, "resolved: approve by alice") {
		t.Fatalf("unexpected resolve output: %q", out)
	}

	resolved, err := reviews.Get(ctx, "sess-alpha")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if resolved.Status != review.StatusCompleted || resolved.Decision != review.DecisionApprove {
		t.Fatalf("session not completed: %+v", resolved)
	}

	out, _, err = runCLI(t, env.configPath, "review", "audit", "7")
	if err != nil {
		t.Fatalf("review audit: %v", err)
	}
	if !strings.Contains(out, "approve") || !strings.Contains(out, "alice") || !strings.Contains(out, "looks right") {
		t.Fatalf("unexpected audit output: %q", out)
	}

	out, _, err = runCLI(t, env.configPath, "review", "stats")
	if err != nil {
		t.Fatalf("review stats: %v", err)
	}
	if !strings.Contains(out, "Completed: 1") {
		t.Fatalf("unexpected stats output: %q", out)
	}

	out, _, err = runCLI(t, env.configPath, "review", "list")
	if err != nil {
		t.Fatalf("review list after resolve: %v", err)
	}
	if !strings.Contains(out, "No active review sessions") {
		t.Fatalf("expected no active sessions, got %q", out)
	}
}

func TestCLIStatusCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env.configPath, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"System Status", "Daemon", "Not running", "Review Sessions", "Queue is empty"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q: %q", want, out)
		}
	}
}

func TestCLIUnknownStatusFilter(t *testing.T) {
	env := setupCLITestEnv(t)
	if _, _, err := runCLI(t, env.configPath, "queue", "list", "--status", "bogus"); err == nil {
		t.Fatal("expected unknown status to fail")
	}
}
