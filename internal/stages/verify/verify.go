package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"loom/internal/artifacts"
	"loom/internal/config"
	"loom/internal/gate"
	"loom/internal/generator"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/services"
	"loom/internal/stage"
)

// Namespace is the artifact store namespace for verify stage results.
const Namespace = "verify"

const verificationSystemPrompt = `You are the final consistency check before content is
deployed. Given the documentation, the component specification, and the generated
artifact bundles, judge whether they are mutually consistent and complete. Respond
with JSON only: {"score": <float 0.0-1.0>, "issues": [<short strings>],
"summary": "<one paragraph>"}`

// Checker is the fifth pipeline stage: a cross-artifact consistency check
// whose verdict feeds the last quality gate before deployment. The default
// policy requires a perfect score for auto-advance so deployment normally
// takes explicit human sign-off.
type Checker struct {
	cfg       *config.Config
	artifacts artifacts.Store
	gen       generator.Generator
	policy    config.StagePolicy
	logger    *slog.Logger
}

// New constructs the verify stage handler.
func New(cfg *config.Config, store artifacts.Store, gen generator.Generator, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Checker{
		cfg:       cfg,
		artifacts: store,
		gen:       gen,
		policy:    cfg.StagePolicyFor(Namespace),
		logger:    logger.With(logging.String(logging.FieldComponent, "verify")),
	}
}

func (c *Checker) Prepare(ctx context.Context, item *queue.Item) error {
	if err := stage.CheckStage(string(item.Status), string(queue.StatusVerifying)); err != nil {
		return err
	}
	payload, err := stage.ParsePayload(item)
	if err != nil {
		return services.Wrap(services.ErrValidation, Namespace, "parse payload", "Work item payload is not valid JSON", err)
	}
	if len(payload.GeneratedFor) == 0 {
		return services.Wrap(services.ErrValidation, Namespace, "validate inputs",
			"No generated artifacts available; the generate stage must complete first", nil)
	}
	item.SetProgress("Verifying", "Checking artifact consistency", 0)
	return nil
}

func (c *Checker) Execute(ctx context.Context, item *queue.Item) (gate.Assessment, error) {
	logger := logging.WithContext(ctx, c.logger)
	payload, err := stage.ParsePayload(item)
	if err != nil {
		return gate.Assessment{}, services.Wrap(services.ErrValidation, Namespace, "parse payload", "Work item payload is not valid JSON", err)
	}

	document, err := c.artifacts.Read(ctx, "document", item.Key+".md")
	if err != nil {
		return gate.Assessment{}, services.Wrap(services.ErrNotFound, Namespace, "read document",
			"Generated document artifact is missing", err)
	}
	spec, err := c.artifacts.Read(ctx, "specify", item.Key+".json")
	if err != nil {
		return gate.Assessment{}, services.Wrap(services.ErrNotFound, Namespace, "read specification",
			"Component specification artifact is missing", err)
	}
	bundles, err := c.artifacts.Read(ctx, "generate", item.Key+".json")
	if err != nil {
		return gate.Assessment{}, services.Wrap(services.ErrNotFound, Namespace, "read artifacts",
			"Generated artifact bundles are missing", err)
	}

	assessment := gate.Assessment{TotalSubUnits: 1}

	userPrompt := fmt.Sprintf("Documentation:\n%s\n\nSpecification:\n%s\n\nArtifact bundles:\n%s",
		string(document), string(spec), string(bundles))
	if notes := payload.NotesForStage(Namespace); notes != "" {
		userPrompt += "\n\nPrior reviewer guidance:\n" + notes
	}
	content, err := stage.GenerateWithRetry(ctx, c.gen, verificationSystemPrompt, userPrompt,
		generator.Params{JSONResponse: true, MaxTokens: 2048}, c.policy.MaxRetries)
	if err != nil {
		logger.Error("verification failed", logging.Error(err))
		assessment.Errors = append(assessment.Errors, fmt.Sprintf("verify artifacts: %v", err))
		return assessment, nil
	}

	var verdict struct {
		Score   float64  `json:"score"`
		Issues  []string `json:"issues"`
		Summary string   `json:"summary"`
	}
	if err := generator.DecodeJSON(content, &verdict); err != nil {
		assessment.Errors = append(assessment.Errors, fmt.Sprintf("parse verification verdict: %v", err))
		return assessment, nil
	}
	if verdict.Score < 0 {
		verdict.Score = 0
	}
	if verdict.Score > 1 {
		verdict.Score = 1
	}
	assessment.Score = verdict.Score
	assessment.CompletedSubUnits = 1

	result, err := json.Marshal(map[string]any{
		"score":   verdict.Score,
		"issues":  verdict.Issues,
		"summary": verdict.Summary,
	})
	if err != nil {
		return gate.Assessment{}, fmt.Errorf("encode verification result: %w", err)
	}
	if err := c.artifacts.Write(ctx, Namespace, item.Key+".json", result); err != nil {
		return gate.Assessment{}, services.Wrap(nil, Namespace, "store result", "Could not persist verification result", err)
	}

	item.SetProgress("Verifying", "Verification complete", 100)
	logger.Info("artifacts verified",
		logging.Float64("score", verdict.Score),
		logging.Int("issues", len(verdict.Issues)))
	return assessment, nil
}

func (c *Checker) HealthCheck(ctx context.Context) stage.Health {
	return stage.GeneratorHealth(ctx, Namespace, c.gen)
}
