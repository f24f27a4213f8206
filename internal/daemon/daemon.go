package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/gofrs/flock"

	"loom/internal/artifacts"
	"loom/internal/bus"
	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/notifications"
	"loom/internal/queue"
	"loom/internal/review"
	"loom/internal/workflow"
)

// sourceExtensions lists the file types accepted for submission.
var sourceExtensions = map[string]struct{}{
	".md":   {},
	".txt":  {},
	".json": {},
	".yaml": {},
	".yml":  {},
}

// UploadNamespace is the artifact namespace submitted sources land in.
const UploadNamespace = "uploads"

// Daemon coordinates the background processing services and enforces
// single-instance execution.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *queue.Store
	artifacts artifacts.Store
	reviews   *review.Manager
	workflow  *workflow.Manager
	events    *bus.Bus

	lockPath string
	lock     *flock.Flock

	running     atomic.Bool
	cancel      context.CancelFunc
	unsubscribe func()
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	Workflow     workflow.StatusSummary
	QueueDBPath  string
	LockFilePath string
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *queue.Store, artifactStore artifacts.Store, reviews *review.Manager, wf *workflow.Manager, events *bus.Bus, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || artifactStore == nil || reviews == nil || wf == nil {
		return nil, errors.New("daemon requires config, stores, review manager, and workflow manager")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := cfg.LockFilePath()
	return &Daemon{
		cfg:       cfg,
		logger:    logger.With(logging.String(logging.FieldComponent, "daemon")),
		store:     store,
		artifacts: artifactStore,
		reviews:   reviews,
		workflow:  wf,
		events:    events,
		lockPath:  lockPath,
		lock:      flock.New(lockPath),
	}, nil
}

// Start acquires the daemon lock, recovers state left over from a previous
// run, and launches background processing. Items stuck in a processing
// status are reset to their stage start status, and review timers are
// re-armed for sessions that were active at shutdown.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another loom daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)

	if reset, err := d.store.ResetStuckProcessing(runCtx); err != nil {
		d.logger.Warn("failed to reset stuck items", logging.Error(err))
	} else if reset > 0 {
		d.logger.Info("reset stuck processing items", logging.Int64("count", reset))
	}
	if err := d.reviews.Resume(runCtx); err != nil {
		d.logger.Warn("failed to resume review timers", logging.Error(err))
	}

	if d.events != nil {
		d.unsubscribe = d.events.Subscribe(bus.EventStageCompleted, d.logStageEvent)
	}

	if err := d.workflow.Start(runCtx); err != nil {
		if d.unsubscribe != nil {
			d.unsubscribe()
			d.unsubscribe = nil
		}
		_ = d.lock.Unlock()
		cancel()
		return fmt.Errorf("start workflow: %w", err)
	}

	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("loom daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.workflow.Stop()
	d.reviews.Stop()
	if d.unsubscribe != nil {
		d.unsubscribe()
		d.unsubscribe = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("loom daemon stopped")
}

// logStageEvent records gate outcomes as they flow through the event bus.
func (d *Daemon) logStageEvent(event bus.Event) {
	var doc struct {
		ItemKey string  `json:"item_key"`
		Stage   string  `json:"stage"`
		Verdict string  `json:"verdict"`
		Score   float64 `json:"score"`
	}
	if err := json.Unmarshal(bus.NormalizePayload(event.Payload), &doc); err != nil {
		d.logger.Debug("unparseable stage event payload",
			logging.Int64(logging.FieldItemID, event.ItemID),
			logging.Error(err))
		return
	}
	d.logger.Info("stage completed",
		logging.Int64(logging.FieldItemID, event.ItemID),
		logging.String(logging.FieldItemKey, doc.ItemKey),
		logging.String(logging.FieldStage, doc.Stage),
		logging.String(logging.FieldVerdict, doc.Verdict),
		logging.Float64("score", doc.Score))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.events != nil {
		d.events.Close()
	}
	return d.store.Close()
}

// SubmitFile copies a source document into the artifact store and enqueues
// a work item for it. Re-submitting the same source returns the existing
// item. Shared by the daemon and the CLI, which talk to the same stores.
func SubmitFile(ctx context.Context, store *queue.Store, artifactStore artifacts.Store, sourcePath string) (*queue.Item, bool, error) {
	trimmed := strings.TrimSpace(sourcePath)
	if trimmed == "" {
		return nil, false, errors.New("source path is required")
	}
	absPath, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, false, fmt.Errorf("resolve source path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, false, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return nil, false, fmt.Errorf("source path %q is a directory", absPath)
	}
	ext := strings.ToLower(filepath.Ext(info.Name()))
	if _, ok := sourceExtensions[ext]; !ok {
		return nil, false, fmt.Errorf("unsupported file extension %q", ext)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, false, fmt.Errorf("read source file: %w", err)
	}
	sourceKey := filepath.Base(absPath)
	if err := artifactStore.Write(ctx, UploadNamespace, sourceKey, data); err != nil {
		return nil, false, fmt.Errorf("store source artifact: %w", err)
	}

	item, created, err := store.Submit(ctx, UploadNamespace, sourceKey, "")
	if err != nil {
		return nil, false, fmt.Errorf("enqueue work item: %w", err)
	}
	return item, created, nil
}

// SubmitSource enqueues a source document through the daemon, publishing a
// submission event for new items.
func (d *Daemon) SubmitSource(ctx context.Context, sourcePath string) (*queue.Item, bool, error) {
	item, created, err := SubmitFile(ctx, d.store, d.artifacts, sourcePath)
	if err != nil {
		return nil, false, err
	}
	if created && d.events != nil {
		d.events.Publish(bus.Event{Type: bus.EventItemSubmitted, ItemID: item.ID})
	}
	d.logger.Info("source submitted",
		logging.Int64(logging.FieldItemID, item.ID),
		logging.String(logging.FieldItemKey, item.Key),
		logging.Bool("created", created))
	return item, created, nil
}

// CancelItem cooperatively abandons a work item.
func (d *Daemon) CancelItem(ctx context.Context, id int64) error {
	return d.workflow.CancelItem(ctx, id)
}

// ListQueue returns queue items filtered by optional statuses.
func (d *Daemon) ListQueue(ctx context.Context, statuses []queue.Status) ([]*queue.Item, error) {
	if len(statuses) == 0 {
		return d.store.List(ctx)
	}
	return d.store.List(ctx, statuses...)
}

// ClearQueue removes all queue items.
func (d *Daemon) ClearQueue(ctx context.Context) (int64, error) {
	return d.store.Clear(ctx)
}

// ClearDeployed removes only deployed queue items.
func (d *Daemon) ClearDeployed(ctx context.Context) (int64, error) {
	return d.store.ClearDeployed(ctx)
}

// RetryFailed resets failed items (optionally a subset) back to their
// stage start status.
func (d *Daemon) RetryFailed(ctx context.Context, ids []int64) (int64, error) {
	return d.store.RetryFailed(ctx, ids...)
}

// QueueHealth returns aggregate queue diagnostics.
func (d *Daemon) QueueHealth(ctx context.Context) (queue.HealthSummary, error) {
	return d.store.Health(ctx)
}

// TestNotification triggers a test notification using the current
// configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	notifier := notifications.NewService(d.cfg)
	if err := notifier.TestNotification(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	return Status{
		Running:      d.running.Load(),
		Workflow:     d.workflow.Status(ctx),
		QueueDBPath:  d.cfg.QueueDatabasePath(),
		LockFilePath: d.lockPath,
	}
}
