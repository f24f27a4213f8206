package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"loom/internal/bus"
	"loom/internal/gate"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/review"
	"loom/internal/services"
)

// stageEvent is the bus payload for stage lifecycle events.
type stageEvent struct {
	ItemKey string  `json:"item_key"`
	Stage   string  `json:"stage"`
	Verdict string  `json:"verdict"`
	Score   float64 `json:"score"`
}

func (m *Manager) processItem(ctx context.Context, item *queue.Item) {
	stg, ok := m.stageForStatus(item.Status)
	if !ok {
		m.logger.Warn("no stage configured for status",
			logging.String("status", string(item.Status)),
			logging.Int64(logging.FieldItemID, item.ID))
		return
	}

	ctx = services.WithItemID(ctx, item.ID)
	ctx = services.WithStage(ctx, stg.name)
	ctx = services.WithRequestID(ctx, uuid.NewString())
	logger := logging.WithContext(ctx, m.logger).With(
		logging.String(logging.FieldItemKey, item.Key))

	// Replayed triggers for an already-completed stage skip execution and
	// only re-emit the downstream event.
	if skipped, err := m.skipCompleted(ctx, logger, stg, item); err != nil {
		m.failStage(ctx, logger, stg.name, item, err)
		return
	} else if skipped {
		return
	}

	if err := m.transitionToProcessing(ctx, stg, item); err != nil {
		m.setLastError(err)
		logger.Error("failed to transition item to processing", logging.Error(err))
		return
	}
	m.executeStage(ctx, logger, stg, item)
}

func (m *Manager) executeStage(ctx context.Context, logger *slog.Logger, stg pipelineStage, item *queue.Item) {
	stageStart := time.Now()
	logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String("processing_status", string(stg.processingStatus)))

	if err := stg.handler.Prepare(ctx, item); err != nil {
		m.failStage(ctx, logger, stg.name, item, err)
		return
	}
	if err := m.store.Update(ctx, item); err != nil {
		m.setLastError(fmt.Errorf("persist stage preparation: %w", err))
		logger.Error("failed to persist stage preparation", logging.Error(err))
		return
	}

	assessment, execErr := stg.handler.Execute(ctx, item)
	if execErr != nil {
		if errors.Is(execErr, context.Canceled) {
			logger.Debug("stage interrupted", logging.String(logging.FieldStage, stg.name))
			return
		}
		m.failStage(ctx, logger, stg.name, item, execErr)
		return
	}

	verdict := gate.Decide(assessment, m.cfg.StagePolicyFor(stg.name))
	if err := item.AppendHistory(queue.StageRecord{
		Stage:             stg.name,
		Verdict:           string(verdict),
		Score:             assessment.Score,
		Errors:            assessment.Errors,
		CompletedSubUnits: assessment.CompletedSubUnits,
		TotalSubUnits:     assessment.TotalSubUnits,
	}); err != nil {
		m.failStage(ctx, logger, stg.name, item, err)
		return
	}

	logger.Info("stage gated",
		logging.String(logging.FieldEventType, "stage_gated"),
		logging.String(logging.FieldVerdict, string(verdict)),
		logging.Float64("score", assessment.Score),
		logging.Duration("stage_duration", time.Since(stageStart)))

	switch verdict {
	case gate.VerdictAutoAdvance:
		m.advanceStage(ctx, logger, stg, item, assessment)
	case gate.VerdictRequestReview:
		m.requestReview(ctx, logger, stg, item, assessment)
	case gate.VerdictReject:
		m.rejectItem(ctx, logger, stg.name, item, assessment.Summary())
	}
}

// skipCompleted detects a replayed trigger: the item history already holds
// an advancing verdict for this stage and the stage artifact exists. The
// item jumps to the stage's done status and the completion event is
// re-published exactly once, without re-running the handler.
func (m *Manager) skipCompleted(ctx context.Context, logger *slog.Logger, stg pipelineStage, item *queue.Item) (bool, error) {
	if !item.StageCompleted(stg.name) {
		return false, nil
	}
	namespace, key := stg.artifactKey(item)
	exists, err := m.artifacts.Exists(ctx, namespace, key)
	if err != nil {
		return false, fmt.Errorf("check stage artifact: %w", err)
	}
	if !exists {
		return false, nil
	}

	record, _ := item.LastRecordFor(stg.name)
	item.Status = stg.doneStatus
	item.SetProgress(stageLabel(stg.name), "completed", 100)
	if err := m.store.Update(ctx, item); err != nil {
		return false, fmt.Errorf("persist replay skip: %w", err)
	}
	m.setLastItem(item)
	m.publish(bus.EventStageCompleted, item, stg.name, record.Verdict, record.Score)
	logger.Info("stage already completed, skipping",
		logging.String(logging.FieldEventType, "stage_replayed"),
		logging.String(logging.FieldStage, stg.name))
	return true, nil
}

func (m *Manager) transitionToProcessing(ctx context.Context, stg pipelineStage, item *queue.Item) error {
	item.Status = stg.processingStatus
	item.ErrorMessage = ""
	item.SetProgress(stageLabel(stg.name), fmt.Sprintf("%s started", stageLabel(stg.name)), 0)
	if err := m.store.Update(ctx, item); err != nil {
		return fmt.Errorf("persist processing transition: %w", err)
	}
	m.setLastItem(item)
	return nil
}

func (m *Manager) advanceStage(ctx context.Context, logger *slog.Logger, stg pipelineStage, item *queue.Item, assessment gate.Assessment) {
	item.Status = stg.doneStatus
	item.SetProgress(stageLabel(stg.name), "completed", 100)
	if err := m.store.Update(ctx, item); err != nil {
		m.setLastError(fmt.Errorf("persist stage result: %w", err))
		logger.Error("failed to persist stage result", logging.Error(err))
		return
	}
	m.setLastItem(item)
	m.publish(bus.EventStageCompleted, item, stg.name, string(gate.VerdictAutoAdvance), assessment.Score)
	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.String("next_status", string(item.Status)))
}

func (m *Manager) requestReview(ctx context.Context, logger *slog.Logger, stg pipelineStage, item *queue.Item, assessment gate.Assessment) {
	session, err := m.reviews.Open(ctx, review.OpenRequest{
		WorkItemID: item.ID,
		ItemKey:    item.Key,
		Stage:      stg.name,
		Score:      assessment.Score,
		Context:    assessment.Summary(),
	})
	if err != nil && !errors.Is(err, review.ErrDuplicateSession) {
		m.failStage(ctx, logger, stg.name, item, fmt.Errorf("open review session: %w", err))
		return
	}

	item.Status = queue.StatusReview
	item.ReviewStage = stg.name
	item.ReviewReason = assessment.Summary()
	item.SetProgress(stageLabel(stg.name), "awaiting review", item.ProgressPercent)
	if err := m.store.Update(ctx, item); err != nil {
		m.setLastError(fmt.Errorf("persist review transition: %w", err))
		logger.Error("failed to persist review transition", logging.Error(err))
		return
	}
	m.setLastItem(item)
	m.publish(bus.EventReviewRequested, item, stg.name, string(gate.VerdictRequestReview), assessment.Score)
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "review_requested"),
		logging.String(logging.FieldStage, stg.name),
	}
	if session != nil {
		attrs = append(attrs, logging.String(logging.FieldSessionID, session.SessionID))
	}
	logger.Info("review requested", logging.Args(attrs...)...)
}

func (m *Manager) rejectItem(ctx context.Context, logger *slog.Logger, stageName string, item *queue.Item, reason string) {
	item.Status = queue.StatusRejected
	item.ErrorMessage = reason
	item.SetProgress(stageLabel(stageName), "rejected", 0)
	if err := m.store.Update(ctx, item); err != nil {
		m.setLastError(fmt.Errorf("persist rejection: %w", err))
		logger.Error("failed to persist rejection", logging.Error(err))
		return
	}
	m.setLastItem(item)
	if err := m.notifier.NotifyItemRejected(ctx, item.Key, stageName, reason); err != nil {
		logger.Warn("rejection notification failed", logging.Error(err))
	}
	logger.Info("item rejected",
		logging.String(logging.FieldEventType, "item_rejected"),
		logging.String(logging.FieldStage, stageName),
		logging.String("reason", reason))
}

func (m *Manager) failStage(ctx context.Context, logger *slog.Logger, stageName string, item *queue.Item, stageErr error) {
	m.setLastError(stageErr)
	message := strings.TrimSpace(stageErr.Error())
	if message == "" {
		message = fmt.Sprintf("%s failed without error detail", stageName)
	}

	switch services.FailureStatus(stageErr) {
	case queue.StatusAbandoned:
		item.SetAbandoned(message)
	case queue.StatusRejected:
		item.Status = queue.StatusRejected
		item.ErrorMessage = message
		item.SetProgress(stageLabel(stageName), "rejected", 0)
		if err := m.notifier.NotifyItemRejected(ctx, item.Key, stageName, message); err != nil {
			logger.Warn("rejection notification failed", logging.Error(err))
		}
	default:
		item.SetFailed(message)
	}

	logger.Error("stage failed",
		logging.String(logging.FieldEventType, "stage_failure"),
		logging.String(logging.FieldStage, stageName),
		logging.String("resolved_status", string(item.Status)),
		logging.Error(stageErr))

	if err := m.store.Update(ctx, item); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("shutting down, could not persist stage failure")
		} else {
			logger.Error("failed to persist stage failure", logging.Error(err))
		}
	}
	m.setLastItem(item)
	if item.Status == queue.StatusFailed || item.Status == queue.StatusAbandoned {
		if err := m.notifier.NotifyError(ctx, stageErr, fmt.Sprintf("%s stage, item %s", stageName, item.Key)); err != nil {
			logger.Warn("failure notification failed", logging.Error(err))
		}
	}
}

func (m *Manager) publish(eventType bus.EventType, item *queue.Item, stageName, verdict string, score float64) {
	if m.events == nil {
		return
	}
	payload, err := json.Marshal(stageEvent{
		ItemKey: item.Key,
		Stage:   stageName,
		Verdict: verdict,
		Score:   score,
	})
	if err != nil {
		payload = nil
	}
	m.events.Publish(bus.Event{
		Type:    eventType,
		ItemID:  item.ID,
		Stage:   stageName,
		Payload: payload,
	})
}

func stageLabel(name string) string {
	if name == "" {
		return ""
	}
	runes := []rune(strings.ToLower(name))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
