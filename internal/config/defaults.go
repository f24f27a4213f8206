package config

const (
	defaultDataDir      = "~/.local/share/loom"
	defaultArtifactsDir = "~/.local/share/loom/artifacts"
	defaultLogDir       = "~/.local/share/loom/logs"

	defaultGeneratorBaseURL        = "https://openrouter.ai/api/v1/chat/completions"
	defaultGeneratorModel          = "anthropic/claude-sonnet-4"
	defaultGeneratorTimeoutSeconds = 60

	defaultLogFormat = "console"
	defaultLogLevel  = "info"

	defaultQueuePollInterval  = 2
	defaultReviewPollInterval = 5
	defaultErrorRetryInterval = 10
	defaultMaxConcurrentItems = 4

	defaultAutoApproveThreshold = 0.85
	defaultMaxRetries           = 3
	defaultReviewTimeout        = 24 * 60 * 60
	defaultEscalationTimeout    = 0

	defaultDeployTimeoutSeconds = 120
)

// StageNames lists the pipeline stages in execution order.
var StageNames = []string{"validate", "document", "specify", "generate", "verify"}

func defaultStagePolicy() StagePolicy {
	return StagePolicy{
		AutoApproveThreshold: defaultAutoApproveThreshold,
		MaxRetries:           defaultMaxRetries,
		ReviewTimeoutSeconds: defaultReviewTimeout,
	}
}

// Default returns a Config populated with repository defaults.
func Default() *Config {
	stages := map[string]StagePolicy{
		"validate": {
			AutoApproveThreshold:     0.80,
			RejectFloor:              0.40,
			MaxRetries:               defaultMaxRetries,
			ReviewTimeoutSeconds:     defaultReviewTimeout,
			EscalationTimeoutSeconds: 2 * defaultReviewTimeout,
			Reviewers:                []string{"architecture"},
		},
		"document": {
			AutoApproveThreshold: 0.85,
			MaxRetries:           defaultMaxRetries,
			ReviewTimeoutSeconds: 2 * defaultReviewTimeout,
			Reviewers:            []string{"documentation"},
		},
		"specify": {
			AutoApproveThreshold:     0.85,
			MaxSubUnitsForAuto:       20,
			MaxRetries:               defaultMaxRetries,
			ReviewTimeoutSeconds:     defaultReviewTimeout,
			EscalationTimeoutSeconds: 2 * defaultReviewTimeout,
			Reviewers:                []string{"architecture", "security"},
		},
		"generate": {
			AutoApproveThreshold:     0.90,
			MaxSubUnitsForAuto:       20,
			MaxRetries:               defaultMaxRetries,
			ReviewTimeoutSeconds:     defaultReviewTimeout / 2,
			EscalationTimeoutSeconds: defaultReviewTimeout,
			Reviewers:                []string{"devops", "security"},
			EscalationReviewers:      []string{"compliance"},
		},
		"verify": {
			AutoApproveThreshold:     1.0,
			MaxRetries:               defaultMaxRetries,
			ReviewTimeoutSeconds:     defaultReviewTimeout / 2,
			EscalationTimeoutSeconds: defaultReviewTimeout,
			Reviewers:                []string{"release"},
			EscalationReviewers:      []string{"compliance"},
		},
	}

	return &Config{
		Paths: Paths{
			DataDir:      defaultDataDir,
			ArtifactsDir: defaultArtifactsDir,
			LogDir:       defaultLogDir,
		},
		Generator: Generator{
			BaseURL:        defaultGeneratorBaseURL,
			Model:          defaultGeneratorModel,
			TimeoutSeconds: defaultGeneratorTimeoutSeconds,
		},
		Notifications: Notifications{
			RequestTimeout: 10,
			Review:         true,
			Deployment:     true,
			Errors:         true,
		},
		Deploy: Deploy{
			TimeoutSeconds: defaultDeployTimeoutSeconds,
		},
		Workflow: Workflow{
			QueuePollInterval:  defaultQueuePollInterval,
			ReviewPollInterval: defaultReviewPollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
			MaxConcurrentItems: defaultMaxConcurrentItems,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Stages: stages,
	}
}
