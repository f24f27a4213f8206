package specify

import (
	"context"
	"testing"

	"loom/internal/artifacts"
	"loom/internal/config"
	"loom/internal/gate"
	"loom/internal/generator"
	"loom/internal/queue"
	"loom/internal/stage"
)

type staticGenerator struct {
	response string
}

func (g *staticGenerator) Generate(context.Context, string, string, generator.Params) (string, error) {
	return g.response, nil
}

func newTestItem(t *testing.T, store *artifacts.FSStore) *queue.Item {
	t.Helper()
	item := &queue.Item{ID: 4, Key: "cloud-pattern", Status: queue.StatusSpecifying}
	payload := &stage.Payload{
		Description:  "a three tier web service",
		SectionOrder: []string{"overview"},
		Sections:     map[string]string{"overview": "the overview"},
	}
	if err := stage.SavePayload(item, payload); err != nil {
		t.Fatalf("SavePayload: %v", err)
	}
	if err := store.Write(context.Background(), "document", item.Key+".md", []byte("# Pattern Documentation\n\n## Overview\n\nthe overview\n")); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	return item
}

func TestSpecifyExtractsComponents(t *testing.T) {
	store, err := artifacts.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	gen := &staticGenerator{response: `{
		"components": [
			{"id": "api", "type": "service", "summary": "public API"},
			{"id": "db", "type": "store", "summary": "primary database"}
		],
		"relationships": [{"source": "api", "target": "db", "kind": "reads"}]
	}`}
	extractor := New(config.Default(), store, gen, nil)
	item := newTestItem(t, store)
	ctx := context.Background()

	if err := extractor.Prepare(ctx, item); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	assessment, err := extractor.Execute(ctx, item)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if assessment.TotalSubUnits != 2 || assessment.CompletedSubUnits != 2 || assessment.Score != 1.0 {
		t.Fatalf("unexpected assessment: %+v", assessment)
	}

	payload, err := stage.ParsePayload(item)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if len(payload.Components) != 2 || payload.Components[0].ID != "api" {
		t.Fatalf("components not recorded: %+v", payload.Components)
	}
	if ok, err := store.Exists(ctx, Namespace, item.Key+".json"); err != nil || !ok {
		t.Fatalf("spec artifact missing: %v %v", ok, err)
	}
}

func TestSpecifyFlagsStructuralProblems(t *testing.T) {
	store, err := artifacts.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	gen := &staticGenerator{response: `{
		"components": [
			{"id": "api"}, {"id": "api"}, {"id": ""}
		],
		"relationships": [{"source": "api", "target": "ghost"}]
	}`}
	extractor := New(config.Default(), store, gen, nil)
	item := newTestItem(t, store)
	ctx := context.Background()

	if err := extractor.Prepare(ctx, item); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	assessment, err := extractor.Execute(ctx, item)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if assessment.CompletedSubUnits != 1 || len(assessment.Errors) != 3 {
		t.Fatalf("unexpected assessment: %+v", assessment)
	}
	verdict := gate.Decide(assessment, config.Default().StagePolicyFor(Namespace))
	if verdict != gate.VerdictRequestReview {
		t.Fatalf("verdict = %s, want request_review", verdict)
	}
}

func TestSpecifyUnparseableSpecRejects(t *testing.T) {
	store, err := artifacts.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	gen := &staticGenerator{response: "this is not a spec"}
	extractor := New(config.Default(), store, gen, nil)
	item := newTestItem(t, store)
	ctx := context.Background()

	if err := extractor.Prepare(ctx, item); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	assessment, err := extractor.Execute(ctx, item)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if assessment.CompletedSubUnits != 0 || len(assessment.Errors) == 0 {
		t.Fatalf("unexpected assessment: %+v", assessment)
	}
	verdict := gate.Decide(assessment, config.Default().StagePolicyFor(Namespace))
	if verdict != gate.VerdictReject {
		t.Fatalf("verdict = %s, want reject", verdict)
	}
}
