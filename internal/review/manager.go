package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/internal/config"
	"loom/internal/logging"
)

const timerContextTimeout = 30 * time.Second

// Notifier receives best-effort review lifecycle notifications. Failures
// are logged and never block session state changes.
type Notifier interface {
	ReviewRequested(ctx context.Context, session *Session) error
	ReviewEscalated(ctx context.Context, session *Session, extraReviewers []string) error
	ReviewResolved(ctx context.Context, session *Session, record *AuditRecord) error
	ReviewAbandoned(ctx context.Context, session *Session) error
}

// NoopNotifier discards all notifications.
type NoopNotifier struct{}

func (NoopNotifier) ReviewRequested(context.Context, *Session) error { return nil }

func (NoopNotifier) ReviewEscalated(context.Context, *Session, []string) error { return nil }

func (NoopNotifier) ReviewResolved(context.Context, *Session, *AuditRecord) error { return nil }

func (NoopNotifier) ReviewAbandoned(context.Context, *Session) error { return nil }

// OpenRequest carries everything needed to park a work item for review.
type OpenRequest struct {
	WorkItemID int64
	ItemKey    string
	Stage      string
	Score      float64
	// Context is a human-readable summary shown to reviewers.
	Context string
}

// Manager owns review session lifecycle: creation, reviewer decisions,
// escalation and abandonment timers, and the audit trail. Sessions live in
// a SessionStore shared with other processes; every timer re-reads store
// state before acting so a decision that lands first always wins.
type Manager struct {
	store    SessionStore
	notifier Notifier
	cfg      *config.Config
	logger   *slog.Logger

	// timeUnit scales policy timeout values; tests shrink it.
	timeUnit time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool

	onAbandon func(session *Session)
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithNotifier sets the notification sink.
func WithNotifier(notifier Notifier) ManagerOption {
	return func(m *Manager) {
		if notifier != nil {
			m.notifier = notifier
		}
	}
}

// WithAbandonHook registers a callback invoked after a session times out
// and is marked Abandoned, so the orchestrator can stall the work item.
func WithAbandonHook(hook func(session *Session)) ManagerOption {
	return func(m *Manager) {
		m.onAbandon = hook
	}
}

// WithTimeUnit overrides the unit policy timeout values are expressed in
// (defaults to one second; tests pass milliseconds).
func WithTimeUnit(unit time.Duration) ManagerOption {
	return func(m *Manager) {
		if unit > 0 {
			m.timeUnit = unit
		}
	}
}

// NewManager constructs a review session manager.
func NewManager(cfg *config.Config, store SessionStore, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Manager{
		store:    store,
		notifier: NoopNotifier{},
		cfg:      cfg,
		logger:   logger.With(logging.String(logging.FieldComponent, "review")),
		timeUnit: time.Second,
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store exposes the underlying session store for read-only reporting.
func (m *Manager) Store() SessionStore {
	return m.store
}

// Open creates a Pending session for the given work item and stage.
// It fails with ErrDuplicateSession while an active session exists for
// the same (work item, stage) pair.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	if req.WorkItemID <= 0 {
		return nil, errors.New("open review: work item id required")
	}
	if strings.TrimSpace(req.Stage) == "" {
		return nil, errors.New("open review: stage required")
	}

	if existing, err := m.store.ActiveForItem(ctx, req.WorkItemID, req.Stage); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("%w: item %d stage %s (session %s)",
			ErrDuplicateSession, req.WorkItemID, req.Stage, existing.SessionID)
	}

	policy := m.cfg.StagePolicyFor(req.Stage)
	now := time.Now().UTC()
	session := &Session{
		SessionID:  uuid.NewString(),
		WorkItemID: req.WorkItemID,
		ItemKey:    req.ItemKey,
		Stage:      req.Stage,
		Status:     StatusPending,
		Reviewers:  append([]string(nil), policy.Reviewers...),
		Score:      req.Score,
		Context:    req.Context,
		CreatedAt:  now,
		DeadlineAt: now.Add(m.initialDeadline(policy)),
	}
	if err := m.store.Create(ctx, session); err != nil {
		return nil, err
	}

	if err := m.notifier.ReviewRequested(ctx, session); err != nil {
		m.logger.Warn("review notification failed",
			logging.String(logging.FieldSessionID, session.SessionID),
			logging.Error(err))
	}
	m.armTimer(session)

	m.logger.Info("review session opened",
		logging.String(logging.FieldSessionID, session.SessionID),
		logging.Int64(logging.FieldItemID, session.WorkItemID),
		logging.String(logging.FieldStage, session.Stage),
		logging.Float64("score", session.Score))
	return session, nil
}

// Resolve applies a reviewer decision to an active session. Terminal
// decisions persist an AuditRecord before the session closes and return
// it for routing. DecisionEscalate widens the session instead of closing
// it and returns a nil record. Resolving an unknown or already-closed
// session fails with ErrUnknownSession.
func (m *Manager) Resolve(ctx context.Context, sessionID string, decision Decision, reviewer, comments string) (*AuditRecord, *Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, nil, errors.New("resolve review: session id required")
	}

	if decision == DecisionEscalate {
		session, err := m.escalateByReviewer(ctx, sessionID, reviewer)
		return nil, session, err
	}

	session, err := m.store.Complete(ctx, sessionID, decision, reviewer, comments)
	if err != nil {
		return nil, nil, err
	}
	m.cancelTimer(sessionID)

	record := &AuditRecord{
		SessionID:  session.SessionID,
		WorkItemID: session.WorkItemID,
		Stage:      session.Stage,
		Decision:   decision,
		Reviewer:   reviewer,
		Score:      session.Score,
		Comments:   comments,
		RecordedAt: time.Now().UTC(),
	}
	if err := m.store.AppendAudit(ctx, record); err != nil {
		return nil, nil, fmt.Errorf("persist audit record: %w", err)
	}

	if err := m.notifier.ReviewResolved(ctx, session, record); err != nil {
		m.logger.Warn("review notification failed",
			logging.String(logging.FieldSessionID, session.SessionID),
			logging.Error(err))
	}

	m.logger.Info("review session resolved",
		logging.String(logging.FieldSessionID, session.SessionID),
		logging.Int64(logging.FieldItemID, session.WorkItemID),
		logging.String(logging.FieldStage, session.Stage),
		logging.String(logging.FieldDecision, string(decision)),
		logging.String("reviewer", reviewer))
	return record, session, nil
}

func (m *Manager) escalateByReviewer(ctx context.Context, sessionID, reviewer string) (*Session, error) {
	current, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if current == nil || !current.Status.IsActive() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if current.Status == StatusEscalated {
		return nil, fmt.Errorf("session %s already escalated", sessionID)
	}
	policy := m.cfg.StagePolicyFor(current.Stage)
	session, err := m.escalate(ctx, current, policy)
	if err != nil {
		return nil, err
	}
	m.logger.Info("review session escalated by reviewer",
		logging.String(logging.FieldSessionID, sessionID),
		logging.String("reviewer", reviewer))
	return session, nil
}

// Resume re-arms deadline timers for sessions still active in the store,
// typically after a daemon restart. Sessions past their deadline are
// handled immediately.
func (m *Manager) Resume(ctx context.Context) error {
	sessions, err := m.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active review sessions: %w", err)
	}
	for _, session := range sessions {
		m.armTimer(session)
	}
	if len(sessions) > 0 {
		m.logger.Info("resumed review session timers", logging.Int("sessions", len(sessions)))
	}
	return nil
}

// Stop cancels all pending timers. Sessions remain in the store and are
// picked back up by Resume on the next start.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for sessionID, timer := range m.timers {
		timer.Stop()
		delete(m.timers, sessionID)
	}
}

func (m *Manager) initialDeadline(policy config.StagePolicy) time.Duration {
	if policy.EscalationTimeoutSeconds > 0 {
		return time.Duration(policy.EscalationTimeoutSeconds) * m.timeUnit
	}
	return time.Duration(policy.ReviewTimeoutSeconds) * m.timeUnit
}

func (m *Manager) armTimer(session *Session) {
	delay := time.Until(session.DeadlineAt)
	if delay < 0 {
		delay = 0
	}
	sessionID := session.SessionID

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if existing, ok := m.timers[sessionID]; ok {
		existing.Stop()
	}
	m.timers[sessionID] = time.AfterFunc(delay, func() {
		m.onDeadline(sessionID)
	})
}

func (m *Manager) cancelTimer(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.timers[sessionID]; ok {
		timer.Stop()
		delete(m.timers, sessionID)
	}
}

// onDeadline fires when a session's deadline lapses. Store state is
// re-read first: a decision that raced the timer wins and the timer does
// nothing.
func (m *Manager) onDeadline(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), timerContextTimeout)
	defer cancel()

	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		m.logger.Error("review timer: load session",
			logging.String(logging.FieldSessionID, sessionID),
			logging.Error(err))
		return
	}
	if session == nil || !session.Status.IsActive() {
		m.cancelTimer(sessionID)
		return
	}
	// Another process may have moved the deadline since this timer was
	// armed (a reviewer escalating through the CLI writes the extended
	// deadline to the shared store). A stale timer re-arms to the stored
	// deadline instead of acting early.
	if time.Until(session.DeadlineAt) > 0 {
		m.armTimer(session)
		return
	}

	policy := m.cfg.StagePolicyFor(session.Stage)
	if session.Status == StatusPending && policy.EscalationTimeoutSeconds > 0 {
		if _, err := m.escalate(ctx, session, policy); err != nil {
			if !errors.Is(err, ErrUnknownSession) {
				m.logger.Error("review timer: escalate",
					logging.String(logging.FieldSessionID, sessionID),
					logging.Error(err))
			}
		}
		return
	}
	m.abandon(ctx, session)
}

// escalate widens a Pending session once: additional reviewers are
// notified and the deadline is extended by the review timeout.
func (m *Manager) escalate(ctx context.Context, session *Session, policy config.StagePolicy) (*Session, error) {
	extension := time.Duration(policy.ReviewTimeoutSeconds) * m.timeUnit
	if extension <= 0 {
		extension = time.Duration(policy.EscalationTimeoutSeconds) * m.timeUnit
	}
	deadline := time.Now().UTC().Add(extension)

	escalated, err := m.store.Escalate(ctx, session.SessionID, deadline)
	if err != nil {
		return nil, err
	}

	if err := m.notifier.ReviewEscalated(ctx, escalated, policy.EscalationReviewers); err != nil {
		m.logger.Warn("review notification failed",
			logging.String(logging.FieldSessionID, session.SessionID),
			logging.Error(err))
	}
	m.armTimer(escalated)

	m.logger.Warn("review session escalated",
		logging.String(logging.FieldSessionID, session.SessionID),
		logging.Int64(logging.FieldItemID, session.WorkItemID),
		logging.String(logging.FieldStage, session.Stage))
	return escalated, nil
}

// abandon closes a session that timed out with no decision. The audit
// entry lands before the abandon hook so the stalled item is durably
// recorded first.
func (m *Manager) abandon(ctx context.Context, session *Session) {
	abandoned, err := m.store.Abandon(ctx, session.SessionID)
	if err != nil {
		if !errors.Is(err, ErrUnknownSession) {
			m.logger.Error("review timer: abandon",
				logging.String(logging.FieldSessionID, session.SessionID),
				logging.Error(err))
		}
		return
	}
	m.cancelTimer(session.SessionID)

	record := &AuditRecord{
		SessionID:  abandoned.SessionID,
		WorkItemID: abandoned.WorkItemID,
		Stage:      abandoned.Stage,
		Decision:   DecisionAbandoned,
		Reviewer:   "system",
		Score:      abandoned.Score,
		Comments:   "review deadline lapsed with no decision",
		RecordedAt: time.Now().UTC(),
	}
	if err := m.store.AppendAudit(ctx, record); err != nil {
		m.logger.Error("review timer: persist audit record",
			logging.String(logging.FieldSessionID, session.SessionID),
			logging.Error(err))
	}

	if err := m.notifier.ReviewAbandoned(ctx, abandoned); err != nil {
		m.logger.Warn("review notification failed",
			logging.String(logging.FieldSessionID, session.SessionID),
			logging.Error(err))
	}
	if m.onAbandon != nil {
		m.onAbandon(abandoned)
	}

	m.logger.Error("review session abandoned",
		logging.String(logging.FieldSessionID, abandoned.SessionID),
		logging.Int64(logging.FieldItemID, abandoned.WorkItemID),
		logging.String(logging.FieldStage, abandoned.Stage))
}
