package queue

import (
	"errors"
	"strings"
	"time"
)

// Status represents the lifecycle of a work item.
type Status string

const (
	StatusPending     Status = "pending"
	StatusValidating  Status = "validating"
	StatusValidated   Status = "validated"
	StatusDocumenting Status = "documenting"
	StatusDocumented  Status = "documented"
	StatusSpecifying  Status = "specifying"
	StatusSpecified   Status = "specified"
	StatusGenerating  Status = "generating"
	StatusGenerated   Status = "generated"
	StatusVerifying   Status = "verifying"
	StatusVerified    Status = "verified"
	StatusDeploying   Status = "deploying"
	StatusDeployed    Status = "deployed"
	StatusReview      Status = "review"
	StatusFailed      Status = "failed"
	StatusRejected    Status = "rejected"
	StatusAbandoned   Status = "abandoned"
)

// ErrAbandoned marks failures caused by an item being abandoned while a stage
// was still in flight.
var ErrAbandoned = errors.New("work item abandoned")

// DaemonStopReason is the error message set when items are failed due to daemon shutdown.
const DaemonStopReason = "Daemon stopped"

var allStatuses = []Status{
	StatusPending,
	StatusValidating,
	StatusValidated,
	StatusDocumenting,
	StatusDocumented,
	StatusSpecifying,
	StatusSpecified,
	StatusGenerating,
	StatusGenerated,
	StatusVerifying,
	StatusVerified,
	StatusDeploying,
	StatusDeployed,
	StatusReview,
	StatusFailed,
	StatusRejected,
	StatusAbandoned,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var processingStatuses = map[Status]struct{}{
	StatusValidating:  {},
	StatusDocumenting: {},
	StatusSpecifying:  {},
	StatusGenerating:  {},
	StatusVerifying:   {},
	StatusDeploying:   {},
}

var terminalStatuses = map[Status]struct{}{
	StatusDeployed:  {},
	StatusRejected:  {},
	StatusAbandoned: {},
}

// HealthSummary describes aggregated queue counts per key lifecycle states.
type HealthSummary struct {
	Total      int
	Pending    int
	Processing int
	Review     int
	Failed     int
	Rejected   int
	Abandoned  int
	Deployed   int
}

// Item represents a work item persisted in SQLite. Items are never deleted
// automatically; terminal items are retained for audit.
type Item struct {
	ID              int64
	Key             string
	Title           string
	SourceNamespace string
	SourceKey       string
	Status          Status
	PayloadJSON     string
	HistoryJSON     string
	ErrorMessage    string
	ReviewStage     string
	ReviewReason    string
	DeploymentRef   string
	ProgressStage   string
	ProgressPercent float64
	ProgressMessage string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsProcessing returns true when the status reflects an in-flight stage.
func (i Item) IsProcessing() bool {
	_, ok := processingStatuses[i.Status]
	return ok
}

// IsProcessingStatus reports whether a status reflects an in-flight stage.
func IsProcessingStatus(status Status) bool {
	_, ok := processingStatuses[status]
	return ok
}

// IsTerminal reports whether the item has reached a terminal state.
func (i Item) IsTerminal() bool {
	return IsTerminalStatus(i.Status)
}

// IsTerminalStatus reports whether a status is terminal.
func IsTerminalStatus(status Status) bool {
	_, ok := terminalStatuses[status]
	return ok
}

// SetProgress updates all three progress fields atomically.
func (i *Item) SetProgress(stage, message string, percent float64) {
	i.ProgressStage = stage
	i.ProgressMessage = message
	i.ProgressPercent = percent
}

// SetFailed marks the item as failed with the given error message.
func (i *Item) SetFailed(message string) {
	i.Status = StatusFailed
	i.ErrorMessage = message
	i.ProgressPercent = 0
	i.ProgressMessage = message
	i.ProgressStage = "Failed"
}

// SetAbandoned marks the item abandoned with the cause attached for operator
// attention. Abandoned items are terminal and surfaced by queue listings.
func (i *Item) SetAbandoned(reason string) {
	i.Status = StatusAbandoned
	i.ErrorMessage = reason
	i.ProgressPercent = 0
	i.ProgressMessage = reason
	i.ProgressStage = "Abandoned"
}
