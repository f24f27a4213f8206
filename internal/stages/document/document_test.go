package document

import (
	"context"
	"errors"
	"strings"
	"testing"

	"loom/internal/artifacts"
	"loom/internal/config"
	"loom/internal/gate"
	"loom/internal/generator"
	"loom/internal/queue"
	"loom/internal/stage"
)

// sectionedGenerator fails for configured sections and succeeds elsewhere.
type sectionedGenerator struct {
	failFor map[string]bool
}

func (g *sectionedGenerator) Generate(_ context.Context, _ string, userPrompt string, _ generator.Params) (string, error) {
	for section := range g.failFor {
		if strings.Contains(userPrompt, "Section: "+section) {
			return "", errors.New("section generation refused")
		}
	}
	return "generated section body", nil
}

func newTestItem(t *testing.T) *queue.Item {
	t.Helper()
	item := &queue.Item{ID: 2, Key: "cloud-pattern", Status: queue.StatusDocumenting}
	payload := &stage.Payload{Description: "a three tier web service"}
	if err := stage.SavePayload(item, payload); err != nil {
		t.Fatalf("SavePayload: %v", err)
	}
	return item
}

func TestDocumentGeneratesAllSections(t *testing.T) {
	store, err := artifacts.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	doc := New(config.Default(), store, &sectionedGenerator{}, nil)
	item := newTestItem(t)
	ctx := context.Background()

	if err := doc.Prepare(ctx, item); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	assessment, err := doc.Execute(ctx, item)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if assessment.CompletedSubUnits != len(sectionTemplate) || assessment.Score != 1.0 {
		t.Fatalf("unexpected assessment: %+v", assessment)
	}

	rendered, err := store.Read(ctx, Namespace, item.Key+".md")
	if err != nil {
		t.Fatalf("read document artifact: %v", err)
	}
	for _, section := range sectionTemplate {
		if !strings.Contains(string(rendered), "## "+section.Title) {
			t.Fatalf("document missing %s section", section.Title)
		}
	}
}

func TestDocumentPartialFailureGoesToReview(t *testing.T) {
	store, err := artifacts.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	gen := &sectionedGenerator{failFor: map[string]bool{"Deployment": true}}
	doc := New(config.Default(), store, gen, nil)
	item := newTestItem(t)
	ctx := context.Background()

	if err := doc.Prepare(ctx, item); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	assessment, err := doc.Execute(ctx, item)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if assessment.CompletedSubUnits != len(sectionTemplate)-1 || len(assessment.Errors) != 1 {
		t.Fatalf("unexpected assessment: %+v", assessment)
	}

	// One failed section with the rest complete must route to a human,
	// not advance and not reject.
	verdict := gate.Decide(assessment, config.Default().StagePolicyFor(Namespace))
	if verdict != gate.VerdictRequestReview {
		t.Fatalf("verdict = %s, want request_review", verdict)
	}

	// The partial document is still persisted for the reviewer.
	if ok, err := store.Exists(ctx, Namespace, item.Key+".md"); err != nil || !ok {
		t.Fatalf("partial document not persisted: %v %v", ok, err)
	}
}

func TestDocumentRequiresDescription(t *testing.T) {
	store, _ := artifacts.NewFSStore(t.TempDir())
	doc := New(config.Default(), store, &sectionedGenerator{}, nil)
	item := &queue.Item{ID: 3, Key: "x", Status: queue.StatusDocumenting}
	if err := doc.Prepare(context.Background(), item); err == nil {
		t.Fatal("expected error without description")
	}
}
