package document

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"loom/internal/artifacts"
	"loom/internal/config"
	"loom/internal/gate"
	"loom/internal/generator"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/services"
	"loom/internal/stage"
)

// Namespace is the artifact store namespace for document stage results.
const Namespace = "document"

// sectionTemplate defines the structure of every generated document.
// Each section is one sub-unit: a failed section does not block the rest.
var sectionTemplate = []struct {
	ID    string
	Title string
}{
	{"overview", "Overview"},
	{"architecture", "Architecture"},
	{"components", "Components"},
	{"deployment", "Deployment"},
}

const sectionSystemPrompt = `You are a technical writer producing one section of a
pattern documentation page. Write focused, concrete prose for the requested section
only. Respond with markdown body text, no top-level heading.`

// Generator is the second pipeline stage: it turns the validated
// description into a sectioned documentation page.
type Generator struct {
	cfg       *config.Config
	artifacts artifacts.Store
	gen       generator.Generator
	policy    config.StagePolicy
	logger    *slog.Logger
}

// New constructs the document stage handler.
func New(cfg *config.Config, store artifacts.Store, gen generator.Generator, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Generator{
		cfg:       cfg,
		artifacts: store,
		gen:       gen,
		policy:    cfg.StagePolicyFor(Namespace),
		logger:    logger.With(logging.String(logging.FieldComponent, "document")),
	}
}

func (g *Generator) Prepare(ctx context.Context, item *queue.Item) error {
	if err := stage.CheckStage(string(item.Status), string(queue.StatusDocumenting)); err != nil {
		return err
	}
	payload, err := stage.ParsePayload(item)
	if err != nil {
		return services.Wrap(services.ErrValidation, Namespace, "parse payload", "Work item payload is not valid JSON", err)
	}
	if strings.TrimSpace(payload.Description) == "" {
		return services.Wrap(services.ErrValidation, Namespace, "validate inputs",
			"No description available; the validate stage must complete first", nil)
	}
	item.SetProgress("Documenting", "Preparing document sections", 0)
	return nil
}

func (g *Generator) Execute(ctx context.Context, item *queue.Item) (gate.Assessment, error) {
	logger := logging.WithContext(ctx, g.logger)
	payload, err := stage.ParsePayload(item)
	if err != nil {
		return gate.Assessment{}, services.Wrap(services.ErrValidation, Namespace, "parse payload", "Work item payload is not valid JSON", err)
	}

	notes := payload.NotesForStage(Namespace)
	assessment := gate.Assessment{TotalSubUnits: len(sectionTemplate)}
	sections := make(map[string]string, len(sectionTemplate))
	order := make([]string, 0, len(sectionTemplate))

	for i, section := range sectionTemplate {
		item.SetProgress("Documenting", fmt.Sprintf("Writing %s section", section.Title),
			float64(i)/float64(len(sectionTemplate))*100)

		userPrompt := fmt.Sprintf("Section: %s\n\nSystem description:\n%s", section.Title, payload.Description)
		if notes != "" {
			userPrompt += "\n\nPrior reviewer guidance:\n" + notes
		}
		content, err := stage.GenerateWithRetry(ctx, g.gen, sectionSystemPrompt, userPrompt,
			generator.Params{MaxTokens: 2048}, g.policy.MaxRetries)
		if err != nil {
			if ctx.Err() != nil {
				return gate.Assessment{}, ctx.Err()
			}
			logger.Error("section generation failed",
				logging.String("section", section.ID),
				logging.Error(err))
			assessment.Errors = append(assessment.Errors, fmt.Sprintf("section %s: %v", section.ID, err))
			continue
		}
		sections[section.ID] = content
		order = append(order, section.ID)
		assessment.CompletedSubUnits++
	}

	if assessment.TotalSubUnits > 0 {
		assessment.Score = float64(assessment.CompletedSubUnits) / float64(assessment.TotalSubUnits)
	}

	if assessment.CompletedSubUnits > 0 {
		if err := g.artifacts.Write(ctx, Namespace, item.Key+".md", assemble(order, sections)); err != nil {
			return gate.Assessment{}, services.Wrap(nil, Namespace, "store result", "Could not persist generated document", err)
		}
	}

	payload.Sections = sections
	payload.SectionOrder = order
	if err := stage.SavePayload(item, payload); err != nil {
		return gate.Assessment{}, err
	}

	item.SetProgress("Documenting", "Document generation complete", 100)
	logger.Info("document generated",
		logging.Int("sections", assessment.CompletedSubUnits),
		logging.Int("failed", len(assessment.Errors)))
	return assessment, nil
}

func assemble(order []string, sections map[string]string) []byte {
	var b strings.Builder
	b.WriteString("# Pattern Documentation\n\n")
	for _, id := range order {
		title := id
		for _, section := range sectionTemplate {
			if section.ID == id {
				title = section.Title
				break
			}
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", title, sections[id])
	}
	return []byte(b.String())
}

func (g *Generator) HealthCheck(ctx context.Context) stage.Health {
	return stage.GeneratorHealth(ctx, Namespace, g.gen)
}
