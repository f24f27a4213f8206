package validate

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

// Namespace is the artifact store namespace for validate stage results.
const Namespace = "validate"

const validationSystemPrompt = `You are a strict content validator. Given source material,
judge whether it is suitable input for a documentation pipeline. Respond with JSON only:
{"score": <float 0.0-1.0>, "issues": [<short strings>], "summary": "<one paragraph>"}`

const descriptionSystemPrompt = `You write precise technical descriptions. Given source
material and its validation summary, produce a thorough description of the system or
pattern it depicts. Respond with plain text.`

// Validator is the first pipeline stage: it checks the uploaded source
// material and produces the description every later stage builds on.
type Validator struct {
	cfg       *config.Config
	artifacts artifacts.Store
	gen       generator.Generator
	policy    config.StagePolicy
	logger    *slog.Logger
}

// New constructs the validate stage handler.
func New(cfg *config.Config, store artifacts.Store, gen generator.Generator, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Validator{
		cfg:       cfg,
		artifacts: store,
		gen:       gen,
		policy:    cfg.StagePolicyFor(Namespace),
		logger:    logger.With(logging.String(logging.FieldComponent, "validate")),
	}
}

func (v *Validator) Prepare(ctx context.Context, item *queue.Item) error {
	if err := stage.CheckStage(string(item.Status), string(queue.StatusValidating)); err != nil {
		return err
	}
	payload, err := stage.ParsePayload(item)
	if err != nil {
		return services.Wrap(services.ErrValidation, Namespace, "parse payload", "Work item payload is not valid JSON", err)
	}
	if payload.Source == "" {
		payload.Source = item.SourceKey
	}
	if strings.TrimSpace(payload.Source) == "" {
		return services.Wrap(services.ErrValidation, Namespace, "validate inputs",
			"Work item has no source artifact; resubmit with the uploaded file key", nil)
	}
	item.SetProgress("Validating", "Checking source material", 0)
	return stage.SavePayload(item, payload)
}

func (v *Validator) Execute(ctx context.Context, item *queue.Item) (gate.Assessment, error) {
	logger := logging.WithContext(ctx, v.logger)
	payload, err := stage.ParsePayload(item)
	if err != nil {
		return gate.Assessment{}, services.Wrap(services.ErrValidation, Namespace, "parse payload", "Work item payload is not valid JSON", err)
	}

	source, err := v.artifacts.Read(ctx, item.SourceNamespace, payload.Source)
	if err != nil {
		return gate.Assessment{}, services.Wrap(services.ErrNotFound, Namespace, "read source",
			fmt.Sprintf("Source artifact %s/%s is missing", item.SourceNamespace, payload.Source), err)
	}

	assessment := gate.Assessment{TotalSubUnits: 1}

	verdict, err := v.assess(ctx, source, payload)
	if err != nil {
		logger.Error("source validation failed", logging.Error(err))
		assessment.Errors = append(assessment.Errors, fmt.Sprintf("validate source: %v", err))
		return assessment, nil
	}
	assessment.Score = verdict.Score
	payload.ValidationIssues = verdict.Issues

	item.SetProgress("Validating", "Describing source material", 50)
	description, err := v.describe(ctx, source, verdict.Summary)
	if err != nil {
		logger.Error("description generation failed", logging.Error(err))
		assessment.Errors = append(assessment.Errors, fmt.Sprintf("generate description: %v", err))
		return assessment, nil
	}
	payload.Description = description
	assessment.CompletedSubUnits = 1

	result, err := json.Marshal(map[string]any{
		"source":      payload.Source,
		"score":       verdict.Score,
		"issues":      verdict.Issues,
		"description": description,
	})
	if err != nil {
		return gate.Assessment{}, fmt.Errorf("encode validation result: %w", err)
	}
	if err := v.artifacts.Write(ctx, Namespace, item.Key, result); err != nil {
		return gate.Assessment{}, services.Wrap(nil, Namespace, "store result", "Could not persist validation result", err)
	}
	if err := stage.SavePayload(item, payload); err != nil {
		return gate.Assessment{}, err
	}

	item.SetProgress("Validating", "Validation complete", 100)
	logger.Info("source validated",
		logging.Float64("score", verdict.Score),
		logging.Int("issues", len(verdict.Issues)))
	return assessment, nil
}

type validationVerdict struct {
	Score   float64  `json:"score"`
	Issues  []string `json:"issues"`
	Summary string   `json:"summary"`
}

func (v *Validator) assess(ctx context.Context, source []byte, payload *stage.Payload) (validationVerdict, error) {
	var verdict validationVerdict
	userPrompt := fmt.Sprintf("Source key: %s\n\nSource material:\n%s", payload.Source, string(source))
	if notes := payload.NotesForStage(Namespace); notes != "" {
		userPrompt += "\n\nPrior reviewer guidance:\n" + notes
	}
	content, err := stage.GenerateWithRetry(ctx, v.gen, validationSystemPrompt, userPrompt,
		generator.Params{JSONResponse: true, MaxTokens: 1024}, v.policy.MaxRetries)
	if err != nil {
		return verdict, err
	}
	if err := generator.DecodeJSON(content, &verdict); err != nil {
		return verdict, fmt.Errorf("parse validation verdict: %w", err)
	}
	if verdict.Score < 0 {
		verdict.Score = 0
	}
	if verdict.Score > 1 {
		verdict.Score = 1
	}
	return verdict, nil
}

func (v *Validator) describe(ctx context.Context, source []byte, summary string) (string, error) {
	userPrompt := fmt.Sprintf("Validation summary:\n%s\n\nSource material:\n%s", summary, string(source))
	return stage.GenerateWithRetry(ctx, v.gen, descriptionSystemPrompt, userPrompt,
		generator.Params{MaxTokens: 4096}, v.policy.MaxRetries)
}

func (v *Validator) HealthCheck(ctx context.Context) stage.Health {
	return stage.GeneratorHealth(ctx, Namespace, v.gen)
}
