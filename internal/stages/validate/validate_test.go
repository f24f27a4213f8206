package validate

import (
	"context"
	"errors"
	"testing"

	"loom/internal/artifacts"
	"loom/internal/config"
	"loom/internal/gate"
	"loom/internal/generator"
	"loom/internal/queue"
	"loom/internal/stage"
)

type fakeGenerator struct {
	responses []string
	err       error
	calls     int
}

func (g *fakeGenerator) Generate(context.Context, string, string, generator.Params) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	if g.calls >= len(g.responses) {
		return "", errors.New("fake exhausted")
	}
	response := g.responses[g.calls]
	g.calls++
	return response, nil
}

func newTestItem() *queue.Item {
	return &queue.Item{
		ID:              1,
		Key:             "cloud-pattern",
		Status:          queue.StatusValidating,
		SourceNamespace: "incoming",
		SourceKey:       "uploads/cloud-pattern.png",
	}
}

func TestValidatorHappyPath(t *testing.T) {
	store, err := artifacts.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	ctx := context.Background()
	if err := store.Write(ctx, "incoming", "uploads/cloud-pattern.png", []byte("diagram bytes")); err != nil {
		t.Fatalf("seed source: %v", err)
	}

	gen := &fakeGenerator{responses: []string{
		`{"score": 0.91, "issues": [], "summary": "clean three tier layout"}`,
		"A three tier web service with a load balancer.",
	}}
	validator := New(config.Default(), store, gen, nil)
	item := newTestItem()

	if err := validator.Prepare(ctx, item); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	assessment, err := validator.Execute(ctx, item)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if assessment.Score != 0.91 || assessment.CompletedSubUnits != 1 || len(assessment.Errors) != 0 {
		t.Fatalf("unexpected assessment: %+v", assessment)
	}

	payload, err := stage.ParsePayload(item)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if payload.Description == "" {
		t.Fatal("description not recorded on payload")
	}

	ok, err := store.Exists(ctx, Namespace, item.Key)
	if err != nil || !ok {
		t.Fatalf("result artifact missing: %v %v", ok, err)
	}
}

func TestValidatorMissingSourceRejectsInPrepare(t *testing.T) {
	store, err := artifacts.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	validator := New(config.Default(), store, &fakeGenerator{}, nil)

	item := newTestItem()
	item.SourceKey = ""
	if err := validator.Prepare(context.Background(), item); err == nil {
		t.Fatal("expected error for missing source key")
	}
}

func TestValidatorStageMismatchIsFatal(t *testing.T) {
	store, _ := artifacts.NewFSStore(t.TempDir())
	validator := New(config.Default(), store, &fakeGenerator{}, nil)

	item := newTestItem()
	item.Status = queue.StatusDocumenting
	if err := validator.Prepare(context.Background(), item); err == nil {
		t.Fatal("expected stage mismatch error")
	}
}

func TestValidatorGenerationFailureBecomesAssessmentError(t *testing.T) {
	store, err := artifacts.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	ctx := context.Background()
	if err := store.Write(ctx, "incoming", "uploads/cloud-pattern.png", []byte("diagram bytes")); err != nil {
		t.Fatalf("seed source: %v", err)
	}

	gen := &fakeGenerator{err: errors.New("model rejected the prompt")}
	validator := New(config.Default(), store, gen, nil)
	item := newTestItem()

	if err := validator.Prepare(ctx, item); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	assessment, err := validator.Execute(ctx, item)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(assessment.Errors) == 0 || assessment.CompletedSubUnits != 0 {
		t.Fatalf("unexpected assessment: %+v", assessment)
	}
	if verdict := gate.Decide(assessment, config.Default().StagePolicyFor(Namespace)); verdict != gate.VerdictReject {
		t.Fatalf("verdict = %s, want reject", verdict)
	}
}
