// Package review tracks human-verification sessions for work items whose
// stage output needs a reviewer decision. It enforces at most one active
// session per work item and stage, drives escalation and abandonment
// deadlines, and keeps an immutable audit trail of every outcome.
package review
