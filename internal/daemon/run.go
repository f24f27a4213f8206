package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"loom/internal/artifacts"
	"loom/internal/bus"
	"loom/internal/config"
	"loom/internal/generator"
	"loom/internal/logging"
	"loom/internal/notifications"
	"loom/internal/queue"
	"loom/internal/review"
	"loom/internal/stages/document"
	"loom/internal/stages/generate"
	"loom/internal/stages/specify"
	"loom/internal/stages/validate"
	"loom/internal/stages/verify"
	"loom/internal/workflow"
)

// Run wires the full processing stack and blocks until the context is
// cancelled or a termination signal arrives.
func Run(cmdCtx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	pidPath := filepath.Join(cfg.Paths.DataDir, "loomd.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := queue.Open(cfg)
	if err != nil {
		logger.Error("open queue store", logging.Error(err))
		return err
	}
	defer store.Close()

	artifactStore, err := artifacts.NewFSStore(cfg.Paths.ArtifactsDir)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	sessions, err := review.OpenStore(cfg)
	if err != nil {
		return fmt.Errorf("open review store: %w", err)
	}
	defer sessions.Close()

	notifier := notifications.NewService(cfg)
	events := bus.New(128)

	// The abandon hook and the workflow manager reference each other, so
	// the hook resolves the manager lazily.
	var workflowManager *workflow.Manager
	reviews := review.NewManager(cfg, sessions, logger,
		review.WithNotifier(notifier),
		review.WithAbandonHook(func(session *review.Session) {
			if workflowManager != nil {
				workflowManager.AbandonForSession(session)
			}
		}))

	workflowManager = workflow.NewManager(cfg, store, artifactStore, reviews, logger,
		workflow.WithNotifier(notifier),
		workflow.WithBus(events))
	registerStages(workflowManager, cfg, artifactStore, logger)

	d, err := New(cfg, store, artifactStore, reviews, workflowManager, events, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logger.Error("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"))
		return err
	}

	<-signalCtx.Done()
	logger.Info("loom daemon shutting down")
	return nil
}

func registerStages(mgr *workflow.Manager, cfg *config.Config, store artifacts.Store, logger *slog.Logger) {
	gen := generator.NewClient(generator.Config{
		APIKey:         cfg.Generator.APIKey,
		BaseURL:        cfg.Generator.BaseURL,
		Model:          cfg.Generator.Model,
		Referer:        cfg.Generator.Referer,
		Title:          cfg.Generator.Title,
		TimeoutSeconds: cfg.Generator.TimeoutSeconds,
	})

	mgr.ConfigureStages(workflow.StageSet{
		Validate: validate.New(cfg, store, gen, logger),
		Document: document.New(cfg, store, gen, logger),
		Specify:  specify.New(cfg, store, gen, logger),
		Generate: generate.New(cfg, store, gen, logger),
		Verify:   verify.New(cfg, store, gen, logger),
	})
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
