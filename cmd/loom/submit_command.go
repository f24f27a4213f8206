package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"loom/internal/artifacts"
	"loom/internal/daemon"
	"loom/internal/queue"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <file>...",
		Short: "Submit source documents to the pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			artifactStore, err := artifacts.NewFSStore(cfg.Paths.ArtifactsDir)
			if err != nil {
				return fmt.Errorf("open artifact store: %w", err)
			}
			return ctx.withQueueStore(func(store *queue.Store) error {
				out := cmd.OutOrStdout()
				for _, path := range args {
					item, created, err := daemon.SubmitFile(cmd.Context(), store, artifactStore, path)
					if err != nil {
						return fmt.Errorf("submit %s: %w", path, err)
					}
					if created {
						fmt.Fprintf(out, "Submitted %s (item %d)\n", item.Key, item.ID)
					} else {
						fmt.Fprintf(out, "Item %d already queued for %s (status %s)\n", item.ID, item.Key, item.Status)
					}
				}
				return nil
			})
		},
	}
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <itemID>",
		Short: "Abandon a queued work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid item id %q", args[0])
			}
			return ctx.withQueueStore(func(store *queue.Store) error {
				item, err := store.GetByID(cmd.Context(), id)
				if err != nil {
					return err
				}
				if item == nil {
					return fmt.Errorf("item %d not found", id)
				}
				if item.IsTerminal() {
					return fmt.Errorf("item %d is already %s", id, item.Status)
				}
				if item.IsProcessing() {
					return fmt.Errorf("item %d has a stage in flight; cancel it through the daemon or wait for the stage to finish", id)
				}
				item.SetAbandoned("cancelled by operator")
				if err := store.Update(cmd.Context(), item); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Item %d abandoned\n", id)
				return nil
			})
		},
	}
}
