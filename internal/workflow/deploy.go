package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"loom/internal/artifacts"
	"loom/internal/bus"
	"loom/internal/deploy"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/services"
)

// deployItem publishes a verified item's artifact bundle. Deployment
// failure never corrupts pipeline state: the item is marked abandoned with
// the error attached so an operator can retry.
func (m *Manager) deployItem(ctx context.Context, item *queue.Item) {
	logger := m.logger.With(
		logging.Int64(logging.FieldItemID, item.ID),
		logging.String(logging.FieldItemKey, item.Key))

	item.Status = queue.StatusDeploying
	item.SetProgress("Deploy", "deployment started", 0)
	if err := m.store.Update(ctx, item); err != nil {
		m.setLastError(fmt.Errorf("persist deploy transition: %w", err))
		logger.Error("failed to transition item to deploying", logging.Error(err))
		return
	}
	m.setLastItem(item)

	bundle, err := m.collectArtifacts(ctx, item)
	if err != nil {
		m.abandonDeploy(ctx, logger, item, err)
		return
	}

	ref, err := m.deployer.Deploy(ctx, deploy.Request{
		ItemKey:   item.Key,
		Title:     item.Title,
		Artifacts: bundle,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("deployment interrupted")
			return
		}
		m.abandonDeploy(ctx, logger, item, err)
		return
	}

	item.DeploymentRef = ref
	item.Status = queue.StatusDeployed
	item.SetProgress("Deployed", "deployment complete", 100)
	if histErr := item.AppendHistory(queue.StageRecord{
		Stage:   "deploy",
		Verdict: "auto_advance",
		Score:   1,
	}); histErr != nil {
		logger.Warn("could not record deployment in history", logging.Error(histErr))
	}
	if err := m.store.Update(ctx, item); err != nil {
		m.setLastError(fmt.Errorf("persist deployment: %w", err))
		logger.Error("failed to persist deployment", logging.Error(err))
		return
	}
	m.setLastItem(item)
	m.publish(bus.EventItemDeployed, item, "deploy", "deployed", 1)
	if err := m.notifier.NotifyItemDeployed(ctx, item.Key, ref); err != nil {
		logger.Warn("deployment notification failed", logging.Error(err))
	}
	logger.Info("item deployed",
		logging.String(logging.FieldEventType, "item_deployed"),
		logging.String("deployment_ref", ref))
}

// collectArtifacts gathers every stage artifact for the item. Stages that
// produced nothing are skipped; the bundle must not end up empty.
func (m *Manager) collectArtifacts(ctx context.Context, item *queue.Item) (map[string][]byte, error) {
	m.mu.Lock()
	stages := make([]pipelineStage, len(m.stages))
	copy(stages, m.stages)
	m.mu.Unlock()

	bundle := make(map[string][]byte, len(stages))
	for _, stg := range stages {
		namespace, key := stg.artifactKey(item)
		data, err := m.artifacts.Read(ctx, namespace, key)
		if errors.Is(err, artifacts.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, services.Wrap(services.ErrTransient, "deploy", "collect", fmt.Sprintf("read %s artifact", stg.name), err)
		}
		bundle[namespace+"/"+key] = data
	}
	if len(bundle) == 0 {
		return nil, services.Wrap(services.ErrValidation, "deploy", "collect", "no artifacts produced for item", nil)
	}
	return bundle, nil
}

func (m *Manager) abandonDeploy(ctx context.Context, logger *slog.Logger, item *queue.Item, deployErr error) {
	m.setLastError(deployErr)
	item.SetAbandoned(fmt.Sprintf("deployment failed: %v", deployErr))
	if err := m.store.Update(ctx, item); err != nil {
		logger.Error("failed to persist deployment failure", logging.Error(err))
	}
	m.setLastItem(item)
	if err := m.notifier.NotifyError(ctx, deployErr, fmt.Sprintf("deployment of %s", item.Key)); err != nil {
		logger.Warn("deployment failure notification failed", logging.Error(err))
	}
	logger.Error("deployment failed, item abandoned",
		logging.String(logging.FieldEventType, "deploy_failure"),
		logging.Error(deployErr))
}
