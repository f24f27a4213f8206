package gate

import (
	"fmt"
	"strings"

	"loom/internal/config"
)

// Verdict is the gate's routing decision for one stage result.
type Verdict string

const (
	// VerdictAutoAdvance sends the item straight to the next stage.
	VerdictAutoAdvance Verdict = "auto_advance"
	// VerdictRequestReview parks the item for a human decision.
	VerdictRequestReview Verdict = "request_review"
	// VerdictReject terminates the item at this stage.
	VerdictReject Verdict = "reject"
)

// Assessment summarizes one stage execution for gating. Score is 0.0-1.0.
// CompletedSubUnits/TotalSubUnits track partial completion for stages that
// produce many sub-results; stages without sub-units leave both zero and
// set TotalSubUnits to at least 1 when they report a meaningful score.
type Assessment struct {
	Score             float64
	Errors            []string
	CompletedSubUnits int
	TotalSubUnits     int
}

// Succeeded reports whether any sub-unit completed. Stages with no
// sub-unit accounting count an error-free run as a success.
func (a Assessment) Succeeded() bool {
	if a.TotalSubUnits > 0 {
		return a.CompletedSubUnits > 0
	}
	return len(a.Errors) == 0
}

// Summary renders the assessment for logs and review prompts.
func (a Assessment) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "score %.2f", a.Score)
	if a.TotalSubUnits > 0 {
		fmt.Fprintf(&b, ", %d/%d sub-units", a.CompletedSubUnits, a.TotalSubUnits)
	}
	if len(a.Errors) > 0 {
		fmt.Fprintf(&b, ", %d error(s)", len(a.Errors))
	}
	return b.String()
}

// Decide maps an assessment to a verdict under the stage's policy. The
// rules are evaluated in order and the first match wins:
//
//  1. Errors present and nothing succeeded: Reject. A high average score
//     over mostly-failed sub-units must never advance on its own.
//  2. Score below the policy's reject floor (when configured): Reject.
//  3. Score at or above the auto-approve threshold, no errors, and the
//     sub-unit count within the auto cap (when configured): AutoAdvance.
//  4. Otherwise: RequestReview. Ambiguous results go to a human.
//
// Decide is a pure function; callers persist the verdict themselves.
func Decide(assessment Assessment, policy config.StagePolicy) Verdict {
	if len(assessment.Errors) > 0 && !assessment.Succeeded() {
		return VerdictReject
	}
	if policy.RejectFloor > 0 && assessment.Score < policy.RejectFloor {
		return VerdictReject
	}
	if assessment.Score >= policy.AutoApproveThreshold &&
		len(assessment.Errors) == 0 &&
		(policy.MaxSubUnitsForAuto <= 0 || assessment.TotalSubUnits <= policy.MaxSubUnitsForAuto) {
		return VerdictAutoAdvance
	}
	return VerdictRequestReview
}
