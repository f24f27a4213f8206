package review

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process SessionStore for single-process deployments
// and tests. Semantics mirror SQLiteStore, including atomic transitions.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	audits   []*AuditRecord
	nextID   int64
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Create(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.sessions {
		if existing.WorkItemID == session.WorkItemID &&
			existing.Stage == session.Stage &&
			existing.Status.IsActive() {
			return fmt.Errorf("%w: item %d stage %s", ErrDuplicateSession, session.WorkItemID, session.Stage)
		}
	}
	if _, ok := m.sessions[session.SessionID]; ok {
		return fmt.Errorf("%w: session %s", ErrDuplicateSession, session.SessionID)
	}

	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = StatusPending
	}
	m.nextID++
	session.ID = m.nextID

	clone := *session
	m.sessions[session.SessionID] = &clone
	return nil
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	clone := *session
	return &clone, nil
}

func (m *MemoryStore) ActiveForItem(_ context.Context, workItemID int64, stage string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, session := range m.sessions {
		if session.WorkItemID == workItemID && session.Stage == stage && session.Status.IsActive() {
			clone := *session
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sessions []*Session
	for _, session := range m.sessions {
		if session.Status.IsActive() {
			clone := *session
			sessions = append(sessions, &clone)
		}
	}
	sortSessions(sessions)
	return sessions, nil
}

func (m *MemoryStore) ListByItem(_ context.Context, workItemID int64) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sessions []*Session
	for _, session := range m.sessions {
		if session.WorkItemID == workItemID {
			clone := *session
			sessions = append(sessions, &clone)
		}
	}
	sortSessions(sessions)
	return sessions, nil
}

func (m *MemoryStore) Complete(_ context.Context, sessionID string, decision Decision, reviewer, comments string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok || !session.Status.IsActive() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	session.Status = StatusCompleted
	session.Decision = decision
	session.DecidedBy = reviewer
	session.Comments = comments
	session.UpdatedAt = time.Now().UTC()
	clone := *session
	return &clone, nil
}

func (m *MemoryStore) Escalate(_ context.Context, sessionID string, deadline time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok || session.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	now := time.Now().UTC()
	session.Status = StatusEscalated
	session.DeadlineAt = deadline.UTC()
	session.EscalatedAt = now
	session.UpdatedAt = now
	clone := *session
	return &clone, nil
}

func (m *MemoryStore) Abandon(_ context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok || !session.Status.IsActive() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	session.Status = StatusAbandoned
	session.UpdatedAt = time.Now().UTC()
	clone := *session
	return &clone, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, record *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}
	m.nextID++
	record.ID = m.nextID
	clone := *record
	m.audits = append(m.audits, &clone)
	return nil
}

func (m *MemoryStore) AuditsForItem(_ context.Context, workItemID int64) ([]*AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []*AuditRecord
	for _, record := range m.audits {
		if record.WorkItemID == workItemID {
			clone := *record
			records = append(records, &clone)
		}
	}
	return records, nil
}

func (m *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &Stats{
		ByStatus:   make(map[Status]int),
		ByDecision: make(map[Decision]int),
	}
	var totalResolution float64
	var completed int
	for _, session := range m.sessions {
		stats.ByStatus[session.Status]++
		if session.Decision != "" {
			stats.ByDecision[session.Decision]++
		}
		if !session.EscalatedAt.IsZero() {
			stats.Escalations++
		}
		if session.Status == StatusCompleted {
			completed++
			totalResolution += session.UpdatedAt.Sub(session.CreatedAt).Seconds()
		}
	}
	if completed > 0 {
		stats.AvgResolutionSecs = totalResolution / float64(completed)
	}
	return stats, nil
}

func sortSessions(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}
