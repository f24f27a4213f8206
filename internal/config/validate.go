package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.ArtifactsDir) == "" {
		c.Paths.ArtifactsDir = defaultArtifactsDir
	}
	if c.Paths.ArtifactsDir, err = expandPath(c.Paths.ArtifactsDir); err != nil {
		return fmt.Errorf("paths.artifacts_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}

	if strings.TrimSpace(c.Generator.BaseURL) == "" {
		c.Generator.BaseURL = defaultGeneratorBaseURL
	}
	if strings.TrimSpace(c.Generator.Model) == "" {
		c.Generator.Model = defaultGeneratorModel
	}
	if c.Generator.TimeoutSeconds <= 0 {
		c.Generator.TimeoutSeconds = defaultGeneratorTimeoutSeconds
	}

	if c.Workflow.QueuePollInterval <= 0 {
		c.Workflow.QueuePollInterval = defaultQueuePollInterval
	}
	if c.Workflow.ReviewPollInterval <= 0 {
		c.Workflow.ReviewPollInterval = defaultReviewPollInterval
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		c.Workflow.ErrorRetryInterval = defaultErrorRetryInterval
	}
	if c.Workflow.MaxConcurrentItems <= 0 {
		c.Workflow.MaxConcurrentItems = defaultMaxConcurrentItems
	}

	if c.Deploy.TimeoutSeconds <= 0 {
		c.Deploy.TimeoutSeconds = defaultDeployTimeoutSeconds
	}

	if strings.TrimSpace(c.Logging.Format) == "" {
		c.Logging.Format = defaultLogFormat
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = defaultLogLevel
	}

	if c.Stages == nil {
		c.Stages = map[string]StagePolicy{}
	}
	normalized := make(map[string]StagePolicy, len(c.Stages))
	for name, policy := range c.Stages {
		key := strings.ToLower(strings.TrimSpace(name))
		if policy.MaxRetries <= 0 {
			policy.MaxRetries = defaultMaxRetries
		}
		if policy.ReviewTimeoutSeconds <= 0 {
			policy.ReviewTimeoutSeconds = defaultReviewTimeout
		}
		normalized[key] = policy
	}
	c.Stages = normalized

	return nil
}

// Validate reports configuration errors that would prevent the daemon from
// operating correctly.
func (c *Config) Validate() error {
	var problems []string

	for name, policy := range c.Stages {
		if policy.AutoApproveThreshold < 0 {
			problems = append(problems, fmt.Sprintf("stages.%s.auto_approve_threshold must not be negative", name))
		}
		if policy.RejectFloor < 0 || policy.RejectFloor > 1 {
			problems = append(problems, fmt.Sprintf("stages.%s.reject_floor must be within [0, 1]", name))
		}
		if policy.RejectFloor > 0 && policy.AutoApproveThreshold > 0 && policy.RejectFloor > policy.AutoApproveThreshold {
			problems = append(problems, fmt.Sprintf("stages.%s.reject_floor must not exceed auto_approve_threshold", name))
		}
		if policy.MaxSubUnitsForAuto < 0 {
			problems = append(problems, fmt.Sprintf("stages.%s.max_sub_units_for_auto must not be negative", name))
		}
		if policy.EscalationTimeoutSeconds < 0 {
			problems = append(problems, fmt.Sprintf("stages.%s.escalation_timeout_seconds must not be negative", name))
		}
	}

	if c.Deploy.Enabled && strings.TrimSpace(c.Deploy.Endpoint) == "" {
		problems = append(problems, "deploy.endpoint is required when deploy.enabled is true")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
