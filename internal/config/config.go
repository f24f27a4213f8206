package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir      string `toml:"data_dir"`
	ArtifactsDir string `toml:"artifacts_dir"`
	LogDir       string `toml:"log_dir"`
}

// Generator contains connection settings for the content generation service.
type Generator struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	Referer        string `toml:"referer"`
	Title          string `toml:"title"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Review         bool   `toml:"review"`
	Deployment     bool   `toml:"deployment"`
	Errors         bool   `toml:"errors"`
}

// Deploy contains configuration for the deployment executor.
type Deploy struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Token          string `toml:"token"`
	Repository     string `toml:"repository"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Workflow contains configuration for daemon timing and intervals.
type Workflow struct {
	QueuePollInterval  int `toml:"queue_poll_interval"`
	ReviewPollInterval int `toml:"review_poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	MaxConcurrentItems int `toml:"max_concurrent_items"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// StagePolicy holds the quality gate settings for one pipeline stage.
// Policies are immutable after load; one instance per stage.
type StagePolicy struct {
	// AutoApproveThreshold is the minimum assessment score for automatic
	// advancement past the stage without human review.
	AutoApproveThreshold float64 `toml:"auto_approve_threshold"`
	// RejectFloor short-circuits to rejection when the assessment score falls
	// below it, without involving a reviewer. Zero disables the floor.
	RejectFloor float64 `toml:"reject_floor"`
	// MaxSubUnitsForAuto caps automatic approval when a stage produced many
	// sub-results. Zero means no cap.
	MaxSubUnitsForAuto int `toml:"max_sub_units_for_auto"`
	// MaxRetries bounds per-invocation generator retries within the stage.
	MaxRetries int `toml:"max_retries"`
	// ReviewTimeoutSeconds abandons an unresolved review session after this
	// long when no escalation is configured.
	ReviewTimeoutSeconds int `toml:"review_timeout_seconds"`
	// EscalationTimeoutSeconds widens an unresolved review to additional
	// reviewers and extends the deadline once. Zero disables escalation.
	EscalationTimeoutSeconds int `toml:"escalation_timeout_seconds"`
	// Reviewers lists the reviewer identifiers notified when a session opens.
	Reviewers []string `toml:"reviewers"`
	// EscalationReviewers lists the additional reviewers notified on escalation.
	EscalationReviewers []string `toml:"escalation_reviewers"`
}

// Config encapsulates all configuration values for Loom.
//
// Configuration sections by subsystem:
//   - Paths: data, artifact, and log directories
//   - Generator: content generation service connection settings
//   - Notifications: ntfy push notification settings
//   - Deploy: deployment executor endpoint
//   - Workflow: daemon polling intervals
//   - Logging: log format and level
//   - Stages: per-stage quality gate policies
type Config struct {
	Paths         Paths                  `toml:"paths"`
	Generator     Generator              `toml:"generator"`
	Notifications Notifications          `toml:"notifications"`
	Deploy        Deploy                 `toml:"deploy"`
	Workflow      Workflow               `toml:"workflow"`
	Logging       Logging                `toml:"logging"`
	Stages        map[string]StagePolicy `toml:"stages"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/loom/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config
// has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

// WriteSample writes the embedded sample configuration to the given path.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("ensure config directory: %w", err)
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists: %s", expanded)
	}
	return os.WriteFile(expanded, []byte(sampleConfig), 0o644)
}

// EnsureDirectories creates the configured directories when missing.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.ArtifactsDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// QueueDatabasePath returns the SQLite database path for the work item queue.
func (c *Config) QueueDatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "queue.db")
}

// SessionDatabasePath returns the SQLite database path for review sessions.
func (c *Config) SessionDatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "sessions.db")
}

// LockFilePath returns the daemon singleton lock path.
func (c *Config) LockFilePath() string {
	return filepath.Join(c.Paths.DataDir, "loom.lock")
}

// StagePolicyFor returns the policy for the named stage, falling back to
// repository defaults when the stage has no explicit section.
func (c *Config) StagePolicyFor(stage string) StagePolicy {
	if c != nil && c.Stages != nil {
		if policy, ok := c.Stages[strings.ToLower(strings.TrimSpace(stage))]; ok {
			return policy
		}
	}
	return defaultStagePolicy()
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if trimmed == "~" {
			trimmed = home
		} else if strings.HasPrefix(trimmed, "~/") {
			trimmed = filepath.Join(home, trimmed[2:])
		}
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", path, err)
	}
	return abs, nil
}
