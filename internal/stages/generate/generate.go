package generate

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

// Namespace is the artifact store namespace for generate stage results.
const Namespace = "generate"

const bundleSystemPrompt = `You generate deployment artifacts for one component of a
documented system. Respond with JSON only:
{"infra": "<infrastructure definition>", "code": "<service scaffold>",
"pipeline": "<build pipeline definition>"}`

// Bundle is the set of artifacts produced for one component.
type Bundle struct {
	Infra    string `json:"infra"`
	Code     string `json:"code"`
	Pipeline string `json:"pipeline"`
}

// Builder is the fourth pipeline stage: it produces a deployment artifact
// bundle per specified component. Components are independent sub-units; a
// failed component does not block the others.
type Builder struct {
	cfg       *config.Config
	artifacts artifacts.Store
	gen       generator.Generator
	policy    config.StagePolicy
	logger    *slog.Logger
}

// New constructs the generate stage handler.
func New(cfg *config.Config, store artifacts.Store, gen generator.Generator, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Builder{
		cfg:       cfg,
		artifacts: store,
		gen:       gen,
		policy:    cfg.StagePolicyFor(Namespace),
		logger:    logger.With(logging.String(logging.FieldComponent, "generate")),
	}
}

func (b *Builder) Prepare(ctx context.Context, item *queue.Item) error {
	if err := stage.CheckStage(string(item.Status), string(queue.StatusGenerating)); err != nil {
		return err
	}
	payload, err := stage.ParsePayload(item)
	if err != nil {
		return services.Wrap(services.ErrValidation, Namespace, "parse payload", "Work item payload is not valid JSON", err)
	}
	if len(payload.Components) == 0 {
		return services.Wrap(services.ErrValidation, Namespace, "validate inputs",
			"No components available; the specify stage must complete first", nil)
	}
	item.SetProgress("Generating", "Generating deployment artifacts", 0)
	return nil
}

func (b *Builder) Execute(ctx context.Context, item *queue.Item) (gate.Assessment, error) {
	logger := logging.WithContext(ctx, b.logger)
	payload, err := stage.ParsePayload(item)
	if err != nil {
		return gate.Assessment{}, services.Wrap(services.ErrValidation, Namespace, "parse payload", "Work item payload is not valid JSON", err)
	}

	notes := payload.NotesForStage(Namespace)
	assessment := gate.Assessment{TotalSubUnits: len(payload.Components)}
	bundles := make(map[string]Bundle, len(payload.Components))
	generated := make([]string, 0, len(payload.Components))

	for i, comp := range payload.Components {
		item.SetProgress("Generating", fmt.Sprintf("Generating artifacts for %s", comp.ID),
			float64(i)/float64(len(payload.Components))*100)

		bundle, err := b.buildComponent(ctx, comp, payload, notes)
		if err != nil {
			if ctx.Err() != nil {
				return gate.Assessment{}, ctx.Err()
			}
			logger.Error("component artifact generation failed",
				logging.String("component", comp.ID),
				logging.Error(err))
			assessment.Errors = append(assessment.Errors, fmt.Sprintf("component %s: %v", comp.ID, err))
			continue
		}
		if problems := checkBundle(comp.ID, bundle); len(problems) > 0 {
			assessment.Errors = append(assessment.Errors, problems...)
			continue
		}
		bundles[comp.ID] = bundle
		generated = append(generated, comp.ID)
		assessment.CompletedSubUnits++
	}

	if assessment.TotalSubUnits > 0 {
		assessment.Score = float64(assessment.CompletedSubUnits) / float64(assessment.TotalSubUnits)
	}

	if len(bundles) > 0 {
		encoded, err := json.MarshalIndent(bundles, "", "  ")
		if err != nil {
			return gate.Assessment{}, fmt.Errorf("encode artifact bundles: %w", err)
		}
		if err := b.artifacts.Write(ctx, Namespace, item.Key+".json", encoded); err != nil {
			return gate.Assessment{}, services.Wrap(nil, Namespace, "store result", "Could not persist generated artifacts", err)
		}
	}

	payload.GeneratedFor = generated
	if err := stage.SavePayload(item, payload); err != nil {
		return gate.Assessment{}, err
	}

	item.SetProgress("Generating", "Artifact generation complete", 100)
	logger.Info("artifacts generated",
		logging.Int("components", assessment.CompletedSubUnits),
		logging.Int("failed", len(assessment.Errors)))
	return assessment, nil
}

func (b *Builder) buildComponent(ctx context.Context, comp stage.Component, payload *stage.Payload, notes string) (Bundle, error) {
	var bundle Bundle
	context_, err := json.Marshal(map[string]any{
		"component":     comp,
		"relationships": relatedTo(comp.ID, payload.Relationships),
	})
	if err != nil {
		return bundle, fmt.Errorf("encode component context: %w", err)
	}

	userPrompt := fmt.Sprintf("Component context:\n%s", string(context_))
	if notes != "" {
		userPrompt += "\n\nPrior reviewer guidance:\n" + notes
	}
	content, err := stage.GenerateWithRetry(ctx, b.gen, bundleSystemPrompt, userPrompt,
		generator.Params{JSONResponse: true, MaxTokens: 4096}, b.policy.MaxRetries)
	if err != nil {
		return bundle, err
	}
	if err := generator.DecodeJSON(content, &bundle); err != nil {
		return bundle, fmt.Errorf("parse artifact bundle: %w", err)
	}
	return bundle, nil
}

// checkBundle performs the stage's self-validation: every artifact in the
// bundle must be non-empty.
func checkBundle(componentID string, bundle Bundle) []string {
	var problems []string
	if strings.TrimSpace(bundle.Infra) == "" {
		problems = append(problems, fmt.Sprintf("component %s: empty infra artifact", componentID))
	}
	if strings.TrimSpace(bundle.Code) == "" {
		problems = append(problems, fmt.Sprintf("component %s: empty code artifact", componentID))
	}
	if strings.TrimSpace(bundle.Pipeline) == "" {
		problems = append(problems, fmt.Sprintf("component %s: empty pipeline artifact", componentID))
	}
	return problems
}

func relatedTo(componentID string, relationships []stage.Relationship) []stage.Relationship {
	var related []stage.Relationship
	for _, rel := range relationships {
		if rel.Source == componentID || rel.Target == componentID {
			related = append(related, rel)
		}
	}
	return related
}

func (b *Builder) HealthCheck(ctx context.Context) stage.Health {
	return stage.GeneratorHealth(ctx, Namespace, b.gen)
}
