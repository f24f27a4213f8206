package specify

import (
	"context"
	"encoding/json"
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

// Namespace is the artifact store namespace for specify stage results.
const Namespace = "specify"

const extractionSystemPrompt = `You extract structured component specifications from
system documentation. Respond with JSON only:
{"components": [{"id": "<kebab-case>", "type": "<service|store|queue|gateway|job>",
"summary": "<one line>", "depends_on": [<component ids>]}],
"relationships": [{"source": "<id>", "target": "<id>", "kind": "<short verb>"}]}`

// Extractor is the third pipeline stage: it turns the generated document
// into a validated component specification.
type Extractor struct {
	cfg       *config.Config
	artifacts artifacts.Store
	gen       generator.Generator
	policy    config.StagePolicy
	logger    *slog.Logger
}

// New constructs the specify stage handler.
func New(cfg *config.Config, store artifacts.Store, gen generator.Generator, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Extractor{
		cfg:       cfg,
		artifacts: store,
		gen:       gen,
		policy:    cfg.StagePolicyFor(Namespace),
		logger:    logger.With(logging.String(logging.FieldComponent, "specify")),
	}
}

func (e *Extractor) Prepare(ctx context.Context, item *queue.Item) error {
	if err := stage.CheckStage(string(item.Status), string(queue.StatusSpecifying)); err != nil {
		return err
	}
	payload, err := stage.ParsePayload(item)
	if err != nil {
		return services.Wrap(services.ErrValidation, Namespace, "parse payload", "Work item payload is not valid JSON", err)
	}
	if len(payload.Sections) == 0 {
		return services.Wrap(services.ErrValidation, Namespace, "validate inputs",
			"No document sections available; the document stage must complete first", nil)
	}
	item.SetProgress("Specifying", "Extracting component specifications", 0)
	return nil
}

func (e *Extractor) Execute(ctx context.Context, item *queue.Item) (gate.Assessment, error) {
	logger := logging.WithContext(ctx, e.logger)
	payload, err := stage.ParsePayload(item)
	if err != nil {
		return gate.Assessment{}, services.Wrap(services.ErrValidation, Namespace, "parse payload", "Work item payload is not valid JSON", err)
	}

	document, err := e.artifacts.Read(ctx, "document", item.Key+".md")
	if err != nil {
		return gate.Assessment{}, services.Wrap(services.ErrNotFound, Namespace, "read document",
			"Generated document artifact is missing; re-run the document stage", err)
	}

	assessment := gate.Assessment{}

	userPrompt := "Documentation:\n" + string(document)
	if notes := payload.NotesForStage(Namespace); notes != "" {
		userPrompt += "\n\nPrior reviewer guidance:\n" + notes
	}
	content, err := stage.GenerateWithRetry(ctx, e.gen, extractionSystemPrompt, userPrompt,
		generator.Params{JSONResponse: true, MaxTokens: 4096}, e.policy.MaxRetries)
	if err != nil {
		logger.Error("specification extraction failed", logging.Error(err))
		assessment.TotalSubUnits = 1
		assessment.Errors = append(assessment.Errors, fmt.Sprintf("extract specifications: %v", err))
		return assessment, nil
	}

	var spec struct {
		Components    []stage.Component    `json:"components"`
		Relationships []stage.Relationship `json:"relationships"`
	}
	if err := generator.DecodeJSON(content, &spec); err != nil {
		assessment.TotalSubUnits = 1
		assessment.Errors = append(assessment.Errors, fmt.Sprintf("parse specification payload: %v", err))
		return assessment, nil
	}

	valid, problems := validateSpec(spec.Components, spec.Relationships)
	assessment.TotalSubUnits = len(spec.Components)
	assessment.CompletedSubUnits = valid
	assessment.Errors = append(assessment.Errors, problems...)
	if assessment.TotalSubUnits > 0 {
		assessment.Score = float64(valid) / float64(assessment.TotalSubUnits)
	}

	if valid > 0 {
		item.SetProgress("Specifying", "Storing component specifications", 80)
		encoded, err := json.MarshalIndent(spec, "", "  ")
		if err != nil {
			return gate.Assessment{}, fmt.Errorf("encode specification: %w", err)
		}
		if err := e.artifacts.Write(ctx, Namespace, item.Key+".json", encoded); err != nil {
			return gate.Assessment{}, services.Wrap(nil, Namespace, "store result", "Could not persist component specification", err)
		}
	}

	payload.Components = spec.Components
	payload.Relationships = spec.Relationships
	if err := stage.SavePayload(item, payload); err != nil {
		return gate.Assessment{}, err
	}

	item.SetProgress("Specifying", "Specification complete", 100)
	logger.Info("components extracted",
		logging.Int("components", len(spec.Components)),
		logging.Int("valid", valid))
	return assessment, nil
}

// validateSpec counts structurally sound components and reports problems
// with the rest. Relationships referencing unknown components are flagged
// but do not invalidate the components themselves.
func validateSpec(components []stage.Component, relationships []stage.Relationship) (int, []string) {
	var problems []string
	seen := make(map[string]bool, len(components))
	valid := 0
	for i, comp := range components {
		id := strings.TrimSpace(comp.ID)
		switch {
		case id == "":
			problems = append(problems, fmt.Sprintf("component %d: missing id", i))
		case seen[id]:
			problems = append(problems, fmt.Sprintf("component %s: duplicate id", id))
		default:
			seen[id] = true
			valid++
		}
	}
	for _, rel := range relationships {
		if !seen[rel.Source] || !seen[rel.Target] {
			problems = append(problems, fmt.Sprintf("relationship %s->%s references unknown component", rel.Source, rel.Target))
		}
	}
	return valid, problems
}

func (e *Extractor) HealthCheck(ctx context.Context) stage.Health {
	return stage.GeneratorHealth(ctx, Namespace, e.gen)
}
