package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/logging"
	"loom/internal/notifications"
	"loom/internal/review"
)

func newReviewCommand(ctx *commandContext) *cobra.Command {
	reviewCmd := &cobra.Command{
		Use:   "review",
		Short: "Inspect and resolve review sessions",
	}

	reviewCmd.AddCommand(newReviewListCommand(ctx))
	reviewCmd.AddCommand(newReviewResolveCommand(ctx))
	reviewCmd.AddCommand(newReviewAuditCommand(ctx))
	reviewCmd.AddCommand(newReviewStatsCommand(ctx))

	return reviewCmd
}

func newReviewListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List review sessions awaiting a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withReviewStore(func(store *review.SQLiteStore) error {
				sessions, err := store.ListActive(cmd.Context())
				if err != nil {
					return err
				}
				if len(sessions) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No active review sessions")
					return nil
				}

				rows := make([][]string, 0, len(sessions))
				for _, session := range sessions {
					rows = append(rows, []string{
						session.SessionID,
						strconv.FormatInt(session.WorkItemID, 10),
						session.ItemKey,
						session.Stage,
						string(session.Status),
						fmt.Sprintf("%.2f", session.Score),
						strings.Join(session.Reviewers, ", "),
						session.DeadlineAt.Format(time.RFC3339),
					})
				}
				table := renderTable(
					[]column{col("Session"), numCol("Item"), col("Key"), col("Stage"), col("Status"), numCol("Score"), col("Reviewers"), col("Deadline")},
					rows,
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}
}

func newReviewResolveCommand(ctx *commandContext) *cobra.Command {
	var reviewer string
	var comments string

	cmd := &cobra.Command{
		Use:   "resolve <sessionID> <decision>",
		Short: "Record a reviewer decision for a session",
		Long: "Record a reviewer decision (approve, reject, conditional_approve, or escalate) " +
			"for an open review session. The daemon routes the parked work item on its next poll.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision, err := review.ParseDecision(args[1])
			if err != nil {
				return err
			}
			if strings.TrimSpace(reviewer) == "" {
				return fmt.Errorf("--reviewer is required")
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return ctx.withReviewStore(func(store *review.SQLiteStore) error {
				manager := review.NewManager(cfg, store, logging.NewNop(),
					review.WithNotifier(notifications.NewService(cfg)))
				defer manager.Stop()

				record, session, err := manager.Resolve(cmd.Context(), args[0], decision, reviewer, comments)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if session.Status.IsActive() {
					fmt.Fprintf(out, "Session %s escalated; awaiting %s\n",
						session.SessionID, strings.Join(session.Reviewers, ", "))
					return nil
				}
				fmt.Fprintf(out, "Session %s resolved: %s by %s\n", session.SessionID, record.Decision, record.Reviewer)
				fmt.Fprintf(out, "Item %d (%s, stage %s) will be routed by the daemon\n",
					session.WorkItemID, session.ItemKey, session.Stage)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&reviewer, "reviewer", "r", "", "Reviewer identifier recorded with the decision")
	cmd.Flags().StringVarP(&comments, "comments", "m", "", "Reviewer comments attached to the decision")
	return cmd
}

func newReviewAuditCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <itemID>",
		Short: "Show the review audit trail for a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid item id %q", args[0])
			}
			return ctx.withReviewStore(func(store *review.SQLiteStore) error {
				records, err := store.AuditsForItem(cmd.Context(), id)
				if err != nil {
					return err
				}
				if len(records) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No review decisions recorded")
					return nil
				}

				rows := make([][]string, 0, len(records))
				for _, record := range records {
					rows = append(rows, []string{
						record.SessionID,
						record.Stage,
						string(record.Decision),
						record.Reviewer,
						fmt.Sprintf("%.2f", record.Score),
						record.Comments,
						record.RecordedAt.Format(time.RFC3339),
					})
				}
				table := renderTable(
					[]column{col("Session"), col("Stage"), col("Decision"), col("Reviewer"), numCol("Score"), col("Comments"), col("Recorded")},
					rows,
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}
}

func newReviewStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate review activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withReviewStore(func(store *review.SQLiteStore) error {
				stats, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				for _, status := range []review.Status{review.StatusPending, review.StatusEscalated, review.StatusCompleted, review.StatusAbandoned} {
					fmt.Fprintf(out, "%s: %d\n", statusTitle(string(status)), stats.ByStatus[status])
				}
				for _, decision := range []review.Decision{review.DecisionApprove, review.DecisionConditionalApprove, review.DecisionReject, review.DecisionAbandoned} {
					if count := stats.ByDecision[decision]; count > 0 {
						fmt.Fprintf(out, "Decided %s: %d\n", decision, count)
					}
				}
				fmt.Fprintf(out, "Escalations: %d\n", stats.Escalations)
				if stats.AvgResolutionSecs > 0 {
					fmt.Fprintf(out, "Avg resolution: %s\n", (time.Duration(stats.AvgResolutionSecs * float64(time.Second))).Round(time.Second))
				}
				return nil
			})
		},
	}
}

func statusTitle(value string) string {
	if value == "" {
		return value
	}
	return strings.ToUpper(value[:1]) + value[1:]
}
