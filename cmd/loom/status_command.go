package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"loom/internal/queue"
	"loom/internal/review"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			fmt.Fprintln(out, renderSectionHeader("System Status", colorize))

			if daemonRunning(cfg.LockFilePath()) {
				fmt.Fprintln(out, renderStatusLine("Daemon", statusOK, "Running", colorize))
			} else {
				fmt.Fprintln(out, renderStatusLine("Daemon", statusWarn, "Not running", colorize))
			}
			fmt.Fprintln(out, pathStatusLine("Queue database", cfg.QueueDatabasePath(), colorize))
			fmt.Fprintln(out, pathStatusLine("Session database", cfg.SessionDatabasePath(), colorize))
			fmt.Fprintln(out, pathStatusLine("Artifacts", cfg.Paths.ArtifactsDir, colorize))
			if strings.TrimSpace(cfg.Generator.APIKey) != "" {
				fmt.Fprintln(out, renderStatusLine("Generator", statusOK, fmt.Sprintf("Configured (%s)", cfg.Generator.Model), colorize))
			} else {
				fmt.Fprintln(out, renderStatusLine("Generator", statusError, "API key not configured", colorize))
			}
			if strings.TrimSpace(cfg.Notifications.NtfyTopic) != "" {
				fmt.Fprintln(out, renderStatusLine("Notifications", statusOK, "ntfy topic configured", colorize))
			} else {
				fmt.Fprintln(out, renderStatusLine("Notifications", statusInfo, "Disabled", colorize))
			}
			fmt.Fprintln(out)

			fmt.Fprintln(out, renderSectionHeader("Review Sessions", colorize))
			if err := ctx.withReviewStore(func(store *review.SQLiteStore) error {
				sessions, err := store.ListActive(cmd.Context())
				if err != nil {
					return err
				}
				if len(sessions) == 0 {
					fmt.Fprintln(out, renderStatusLine("Active", statusOK, "None", colorize))
					return nil
				}
				kind := statusWarn
				fmt.Fprintln(out, renderStatusLine("Active", kind, fmt.Sprintf("%d awaiting a decision", len(sessions)), colorize))
				for _, session := range sessions {
					detail := fmt.Sprintf("%s stage %s (score %.2f)", session.ItemKey, session.Stage, session.Score)
					fmt.Fprintln(out, renderStatusLine(session.SessionID, statusInfo, detail, colorize))
				}
				return nil
			}); err != nil {
				return err
			}
			fmt.Fprintln(out)

			fmt.Fprintln(out, renderSectionHeader("Queue Status", colorize))
			return ctx.withQueueStore(func(store *queue.Store) error {
				stats, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				rows := buildQueueStatusRows(stats)
				if len(rows) == 0 {
					fmt.Fprintln(out, "Queue is empty")
					return nil
				}
				table := renderTable([]column{col("Status"), numCol("Count")}, rows)
				fmt.Fprintln(out, table)
				return nil
			})
		},
	}
}

// daemonRunning tries the daemon singleton lock. Acquiring it means no
// daemon holds it; the lock is released immediately.
func daemonRunning(lockPath string) bool {
	lock := flock.New(lockPath)
	acquired, err := lock.TryLock()
	if err != nil {
		return false
	}
	if acquired {
		_ = lock.Unlock()
		return false
	}
	return true
}

func pathStatusLine(label, path string, colorize bool) string {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return renderStatusLine(label, statusWarn, fmt.Sprintf("Missing (%s)", path), colorize)
		}
		return renderStatusLine(label, statusError, err.Error(), colorize)
	}
	return renderStatusLine(label, statusOK, path, colorize)
}
