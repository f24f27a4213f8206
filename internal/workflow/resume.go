package workflow

import (
	"context"
	"fmt"
	"time"

	"loom/internal/bus"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/review"
	"loom/internal/stage"
)

// resumeReviewed routes a parked item once its review session reaches a
// terminal state. Resolutions may have been written by another process, so
// the session store is the source of truth rather than in-process hooks.
func (m *Manager) resumeReviewed(ctx context.Context, item *queue.Item) error {
	stageName := item.ReviewStage
	if stageName == "" {
		return fmt.Errorf("item %d awaiting review with no review stage recorded", item.ID)
	}
	stg, ok := m.stageNamed(stageName)
	if !ok {
		return fmt.Errorf("item %d awaiting review for unknown stage %q", item.ID, stageName)
	}

	store := m.reviews.Store()
	if active, err := store.ActiveForItem(ctx, item.ID, stageName); err != nil {
		return err
	} else if active != nil {
		return nil
	}

	session, err := m.latestSession(ctx, item.ID, stageName)
	if err != nil {
		return err
	}
	logger := m.logger.With(
		logging.Int64(logging.FieldItemID, item.ID),
		logging.String(logging.FieldItemKey, item.Key),
		logging.String(logging.FieldStage, stageName))

	if session == nil {
		// Parked with no session on record: likely a crash between the
		// review transition and session creation. Re-run the stage so a
		// fresh session can open.
		logger.Warn("review item has no session, re-running stage")
		item.Status = stg.startStatus
		item.ReviewStage = ""
		item.ReviewReason = ""
		return m.store.Update(ctx, item)
	}

	if session.Status == review.StatusAbandoned {
		item.SetAbandoned(fmt.Sprintf("review session %s abandoned without a decision", session.SessionID))
		if err := m.store.Update(ctx, item); err != nil {
			return fmt.Errorf("persist abandonment: %w", err)
		}
		m.setLastItem(item)
		logger.Warn("item abandoned after review timeout",
			logging.String(logging.FieldSessionID, session.SessionID))
		return nil
	}

	logger = logger.With(
		logging.String(logging.FieldSessionID, session.SessionID),
		logging.String(logging.FieldDecision, string(session.Decision)))

	switch session.Decision {
	case review.DecisionApprove:
		m.foldReviewNote(item, session)
		if err := item.AppendHistory(resolutionRecord(stageName, session)); err != nil {
			return err
		}
		item.Status = stg.doneStatus
		item.ReviewStage = ""
		item.ReviewReason = ""
		item.SetProgress(stageLabel(stageName), "approved", 100)
		if err := m.store.Update(ctx, item); err != nil {
			return fmt.Errorf("persist approval: %w", err)
		}
		m.setLastItem(item)
		m.publish(bus.EventReviewResolved, item, stageName, string(session.Decision), session.Score)
		m.publish(bus.EventStageCompleted, item, stageName, "request_review", session.Score)
		logger.Info("review approved, item advanced",
			logging.String("next_status", string(item.Status)))

	case review.DecisionConditionalApprove:
		// The stage re-runs with the reviewer's comments folded into the
		// payload. No completion record is written so the replay check
		// will not skip the re-execution.
		m.foldReviewNote(item, session)
		item.Status = stg.startStatus
		item.ReviewStage = ""
		item.ReviewReason = ""
		item.SetProgress(stageLabel(stageName), "re-running with review comments", 0)
		if err := m.store.Update(ctx, item); err != nil {
			return fmt.Errorf("persist conditional approval: %w", err)
		}
		m.setLastItem(item)
		m.publish(bus.EventReviewResolved, item, stageName, string(session.Decision), session.Score)
		logger.Info("conditional approval, stage re-queued")

	case review.DecisionReject:
		if err := item.AppendHistory(resolutionRecord(stageName, session)); err != nil {
			return err
		}
		reason := session.Comments
		if reason == "" {
			reason = fmt.Sprintf("rejected by %s", session.DecidedBy)
		}
		item.Status = queue.StatusRejected
		item.ErrorMessage = reason
		item.SetProgress(stageLabel(stageName), "rejected", 0)
		if err := m.store.Update(ctx, item); err != nil {
			return fmt.Errorf("persist review rejection: %w", err)
		}
		m.setLastItem(item)
		m.publish(bus.EventReviewResolved, item, stageName, string(session.Decision), session.Score)
		if err := m.notifier.NotifyItemRejected(ctx, item.Key, stageName, reason); err != nil {
			logger.Warn("rejection notification failed", logging.Error(err))
		}
		logger.Info("review rejected, item terminal")

	default:
		return fmt.Errorf("session %s closed with unexpected decision %q", session.SessionID, session.Decision)
	}
	return nil
}

// AbandonForSession stalls the work item tied to an abandoned review
// session. Wired as the review manager's abandon hook; the review poller
// covers resolutions from other processes.
func (m *Manager) AbandonForSession(session *review.Session) {
	if session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	item, err := m.store.GetByID(ctx, session.WorkItemID)
	if err != nil {
		m.logger.Error("failed to load item for abandoned session",
			logging.String(logging.FieldSessionID, session.SessionID),
			logging.Error(err))
		return
	}
	if item.Status != queue.StatusReview || item.ReviewStage != session.Stage {
		return
	}
	item.SetAbandoned(fmt.Sprintf("review session %s abandoned without a decision", session.SessionID))
	if err := m.store.Update(ctx, item); err != nil {
		m.logger.Error("failed to persist abandonment",
			logging.Int64(logging.FieldItemID, item.ID),
			logging.Error(err))
		return
	}
	m.setLastItem(item)
}

func (m *Manager) latestSession(ctx context.Context, itemID int64, stageName string) (*review.Session, error) {
	sessions, err := m.reviews.Store().ListByItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	var latest *review.Session
	for _, session := range sessions {
		if session.Stage != stageName || session.Status.IsActive() {
			continue
		}
		if latest == nil || session.CreatedAt.After(latest.CreatedAt) {
			latest = session
		}
	}
	return latest, nil
}

func (m *Manager) foldReviewNote(item *queue.Item, session *review.Session) {
	payload, err := stage.ParsePayload(item)
	if err != nil {
		m.logger.Warn("could not fold review note into payload",
			logging.Int64(logging.FieldItemID, item.ID),
			logging.Error(err))
		return
	}
	payload.ReviewNotes = append(payload.ReviewNotes, stage.ReviewNote{
		Stage:      session.Stage,
		Reviewer:   session.DecidedBy,
		Decision:   string(session.Decision),
		Comments:   session.Comments,
		RecordedAt: session.UpdatedAt,
	})
	if err := stage.SavePayload(item, payload); err != nil {
		m.logger.Warn("could not save review note",
			logging.Int64(logging.FieldItemID, item.ID),
			logging.Error(err))
	}
}

func resolutionRecord(stageName string, session *review.Session) queue.StageRecord {
	return queue.StageRecord{
		Stage:    stageName,
		Verdict:  "request_review",
		Score:    session.Score,
		Decision: string(session.Decision),
		Reviewer: session.DecidedBy,
		Comments: session.Comments,
	}
}
