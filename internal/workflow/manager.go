package workflow

import (
	"log/slog"
	"sync"
	"time"

	"loom/internal/artifacts"
	"loom/internal/bus"
	"loom/internal/config"
	"loom/internal/deploy"
	"loom/internal/logging"
	"loom/internal/notifications"
	"loom/internal/queue"
	"loom/internal/review"
	"loom/internal/stage"
)

// Manager coordinates queue processing across the registered pipeline
// stages and the deployment step.
type Manager struct {
	cfg       *config.Config
	store     *queue.Store
	artifacts artifacts.Store
	reviews   *review.Manager
	deployer  deploy.Executor
	notifier  notifications.Service
	events    *bus.Bus
	logger    *slog.Logger

	pollInterval   time.Duration
	reviewInterval time.Duration
	retryInterval  time.Duration
	maxConcurrent  int

	stages       []pipelineStage
	stageByStart map[queue.Status]pipelineStage
	startOrder   []queue.Status

	mu       sync.Mutex
	running  bool
	cancels  map[int64]func()
	lastErr  error
	lastItem *queue.Item
	wg       sync.WaitGroup
	stop     func()
}

// StageSet bundles the concrete handlers the manager orchestrates, in
// pipeline order.
type StageSet struct {
	Validate stage.Handler
	Document stage.Handler
	Specify  stage.Handler
	Generate stage.Handler
	Verify   stage.Handler
}

type pipelineStage struct {
	name             string
	handler          stage.Handler
	startStatus      queue.Status
	processingStatus queue.Status
	doneStatus       queue.Status
	// artifactNamespace/artifactSuffix locate the stage's result in the
	// artifact store for the replay-skip check.
	artifactNamespace string
	artifactSuffix    string
}

func (p pipelineStage) artifactKey(item *queue.Item) (string, string) {
	return p.artifactNamespace, item.Key + p.artifactSuffix
}

// ManagerOption configures optional Manager collaborators.
type ManagerOption func(*Manager)

// WithNotifier overrides the notification service (used in tests).
func WithNotifier(notifier notifications.Service) ManagerOption {
	return func(m *Manager) {
		if notifier != nil {
			m.notifier = notifier
		}
	}
}

// WithDeployer overrides the deployment executor.
func WithDeployer(executor deploy.Executor) ManagerOption {
	return func(m *Manager) {
		if executor != nil {
			m.deployer = executor
		}
	}
}

// WithBus attaches an event bus for stage-completion publishes.
func WithBus(events *bus.Bus) ManagerOption {
	return func(m *Manager) {
		m.events = events
	}
}

// WithPollInterval overrides the queue and review poll intervals.
func WithPollInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		if interval > 0 {
			m.pollInterval = interval
			m.reviewInterval = interval
		}
	}
}

// NewManager constructs a workflow manager. The review manager is required;
// the notifier and deployer default to config-driven implementations.
func NewManager(cfg *config.Config, store *queue.Store, artifactStore artifacts.Store, reviews *review.Manager, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Manager{
		cfg:            cfg,
		store:          store,
		artifacts:      artifactStore,
		reviews:        reviews,
		deployer:       deploy.NewExecutor(cfg),
		notifier:       notifications.NewService(cfg),
		logger:         logger.With(logging.String(logging.FieldComponent, "workflow")),
		pollInterval:   time.Duration(cfg.Workflow.QueuePollInterval) * time.Second,
		reviewInterval: time.Duration(cfg.Workflow.ReviewPollInterval) * time.Second,
		retryInterval:  time.Duration(cfg.Workflow.ErrorRetryInterval) * time.Second,
		maxConcurrent:  cfg.Workflow.MaxConcurrentItems,
		cancels:        make(map[int64]func()),
	}
	if m.maxConcurrent <= 0 {
		m.maxConcurrent = 1
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ConfigureStages registers the concrete stage handlers. Stages whose
// handler is nil are left out, collapsing the pipeline around them.
func (m *Manager) ConfigureStages(set StageSet) {
	defs := []struct {
		name             string
		handler          stage.Handler
		processingStatus queue.Status
		doneStatus       queue.Status
		suffix           string
	}{
		{"validate", set.Validate, queue.StatusValidating, queue.StatusValidated, ""},
		{"document", set.Document, queue.StatusDocumenting, queue.StatusDocumented, ".md"},
		{"specify", set.Specify, queue.StatusSpecifying, queue.StatusSpecified, ".json"},
		{"generate", set.Generate, queue.StatusGenerating, queue.StatusGenerated, ".json"},
		{"verify", set.Verify, queue.StatusVerifying, queue.StatusVerified, ".json"},
	}

	stages := make([]pipelineStage, 0, len(defs))
	start := queue.StatusPending
	for _, def := range defs {
		if def.handler == nil {
			continue
		}
		stages = append(stages, pipelineStage{
			name:              def.name,
			handler:           def.handler,
			startStatus:       start,
			processingStatus:  def.processingStatus,
			doneStatus:        def.doneStatus,
			artifactNamespace: def.name,
			artifactSuffix:    def.suffix,
		})
		start = def.doneStatus
	}

	byStart := make(map[queue.Status]pipelineStage, len(stages))
	order := make([]queue.Status, 0, len(stages)+1)
	for _, stg := range stages {
		byStart[stg.startStatus] = stg
		order = append(order, stg.startStatus)
	}
	// Verified items are picked up by the deployment step.
	order = append(order, queue.StatusVerified)

	m.mu.Lock()
	m.stages = stages
	m.stageByStart = byStart
	m.startOrder = order
	m.mu.Unlock()
}

func (m *Manager) stageForStatus(status queue.Status) (pipelineStage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stg, ok := m.stageByStart[status]
	return stg, ok
}

func (m *Manager) stageNamed(name string) (pipelineStage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stg := range m.stages {
		if stg.name == name {
			return stg, true
		}
	}
	return pipelineStage{}, false
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) setLastItem(item *queue.Item) {
	m.mu.Lock()
	if item != nil {
		cp := *item
		m.lastItem = &cp
	} else {
		m.lastItem = nil
	}
	m.mu.Unlock()
}
