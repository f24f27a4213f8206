package review

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status tracks where a review session sits in its lifecycle.
type Status string

const (
	// StatusPending means the session awaits a reviewer decision.
	StatusPending Status = "pending"
	// StatusEscalated means the initial deadline lapsed and additional
	// reviewers were pulled in; the session still awaits a decision.
	StatusEscalated Status = "escalated"
	// StatusCompleted means a reviewer decision was recorded.
	StatusCompleted Status = "completed"
	// StatusAbandoned means the session timed out with no decision. The
	// work item stalls and requires operator attention.
	StatusAbandoned Status = "abandoned"
)

// IsActive reports whether the session can still accept a decision.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusEscalated
}

// Decision is a reviewer's ruling on a parked work item.
type Decision string

const (
	DecisionApprove            Decision = "approve"
	DecisionReject             Decision = "reject"
	DecisionConditionalApprove Decision = "conditional_approve"
	DecisionEscalate           Decision = "escalate"
	// DecisionAbandoned is recorded on audit entries when a session times
	// out; reviewers never submit it.
	DecisionAbandoned Decision = "abandoned"
)

// ParseDecision validates a reviewer-supplied decision string.
func ParseDecision(value string) (Decision, error) {
	switch Decision(strings.ToLower(strings.TrimSpace(value))) {
	case DecisionApprove:
		return DecisionApprove, nil
	case DecisionReject:
		return DecisionReject, nil
	case DecisionConditionalApprove:
		return DecisionConditionalApprove, nil
	case DecisionEscalate:
		return DecisionEscalate, nil
	default:
		return "", fmt.Errorf("unknown decision %q (expected approve, reject, conditional_approve, or escalate)", value)
	}
}

var (
	// ErrDuplicateSession indicates an active session already exists for
	// the same work item and stage.
	ErrDuplicateSession = errors.New("active review session already exists")
	// ErrUnknownSession indicates the session does not exist or has
	// already reached a terminal state. Decisions are never applied
	// retroactively.
	ErrUnknownSession = errors.New("review session unknown or already closed")
)

// Session is one tracked human-review interaction for a work item stage.
type Session struct {
	ID          int64
	SessionID   string
	WorkItemID  int64
	ItemKey     string
	Stage       string
	Status      Status
	Reviewers   []string
	Score       float64
	Context     string
	Decision    Decision
	DecidedBy   string
	Comments    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeadlineAt  time.Time
	EscalatedAt time.Time
}

// AuditRecord is the immutable trace of one review outcome. Records are
// written before the session or its work item reaches a terminal state.
type AuditRecord struct {
	ID         int64
	SessionID  string
	WorkItemID int64
	Stage      string
	Decision   Decision
	Reviewer   string
	Score      float64
	Comments   string
	RecordedAt time.Time
}

// Stats aggregates review activity for operator reporting.
type Stats struct {
	ByStatus          map[Status]int
	ByDecision        map[Decision]int
	AvgResolutionSecs float64
	Escalations       int
}
