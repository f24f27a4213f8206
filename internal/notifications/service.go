package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/config"
	"loom/internal/review"
)

const userAgent = "Loom-Go/0.1.0"

// Service defines the notification surface exposed to pipeline components.
// It also satisfies review.Notifier so the session manager can push
// reviewer-facing alerts directly.
type Service interface {
	review.Notifier
	NotifyItemRejected(ctx context.Context, itemKey, stage, reason string) error
	NotifyItemDeployed(ctx context.Context, itemKey, deploymentRef string) error
	NotifyError(ctx context.Context, err error, context string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:     topic,
		client:       &http.Client{Timeout: timeout},
		reviewAlerts: cfg.Notifications.Review,
		deployAlerts: cfg.Notifications.Deployment,
		errorAlerts:  cfg.Notifications.Errors,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint     string
	client       *http.Client
	reviewAlerts bool
	deployAlerts bool
	errorAlerts  bool
}

func (n *ntfyService) ReviewRequested(ctx context.Context, session *review.Session) error {
	if !n.reviewAlerts {
		return nil
	}
	reviewers := strings.Join(session.Reviewers, ", ")
	if reviewers == "" {
		reviewers = "unassigned"
	}
	message := fmt.Sprintf("Review needed: %s (%s stage, score %.2f)\nReviewers: %s",
		session.ItemKey, session.Stage, session.Score, reviewers)
	if summary := strings.TrimSpace(session.Context); summary != "" {
		message = fmt.Sprintf("%s\n%s", message, summary)
	}
	data := payload{
		title:   "Loom - Review Requested",
		message: message,
		tags:    []string{"loom", "review", "requested"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) ReviewEscalated(ctx context.Context, session *review.Session, extraReviewers []string) error {
	if !n.reviewAlerts {
		return nil
	}
	message := fmt.Sprintf("Review overdue: %s (%s stage)", session.ItemKey, session.Stage)
	if len(extraReviewers) > 0 {
		message = fmt.Sprintf("%s\nEscalated to: %s", message, strings.Join(extraReviewers, ", "))
	}
	data := payload{
		title:    "Loom - Review Escalated",
		message:  message,
		tags:     []string{"loom", "review", "escalated"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) ReviewResolved(ctx context.Context, session *review.Session, record *review.AuditRecord) error {
	if !n.reviewAlerts {
		return nil
	}
	data := payload{
		title: "Loom - Review Resolved",
		message: fmt.Sprintf("%s: %s stage %s by %s",
			session.ItemKey, session.Stage, record.Decision, record.Reviewer),
		tags: []string{"loom", "review", "resolved"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) ReviewAbandoned(ctx context.Context, session *review.Session) error {
	data := payload{
		title: "Loom - Review Abandoned",
		message: fmt.Sprintf("Review timed out with no decision: %s (%s stage)\nOperator attention required",
			session.ItemKey, session.Stage),
		tags:     []string{"loom", "review", "abandoned"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyItemRejected(ctx context.Context, itemKey, stage, reason string) error {
	reason = strings.TrimSpace(reason)
	message := fmt.Sprintf("Rejected: %s (%s stage)", itemKey, stage)
	if reason != "" {
		message = fmt.Sprintf("%s\n%s", message, reason)
	}
	data := payload{
		title:   "Loom - Item Rejected",
		message: message,
		tags:    []string{"loom", "item", "rejected"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyItemDeployed(ctx context.Context, itemKey, deploymentRef string) error {
	if !n.deployAlerts {
		return nil
	}
	message := fmt.Sprintf("Deployed: %s", itemKey)
	if deploymentRef = strings.TrimSpace(deploymentRef); deploymentRef != "" {
		message = fmt.Sprintf("%s\nReference: %s", message, deploymentRef)
	}
	data := payload{
		title:    "Loom - Deployed",
		message:  message,
		tags:     []string{"loom", "deploy", "completed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyError(ctx context.Context, err error, contextLabel string) error {
	if !n.errorAlerts {
		return nil
	}
	var builder strings.Builder
	builder.WriteString("Error")
	if contextLabel = strings.TrimSpace(contextLabel); contextLabel != "" {
		builder.WriteString(" with ")
		builder.WriteString(contextLabel)
	}
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}

	data := payload{
		title:    "Loom - Error",
		message:  builder.String(),
		tags:     []string{"loom", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Loom - Test",
		message:  "Notification system test",
		tags:     []string{"loom", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) ReviewRequested(context.Context, *review.Session) error           { return nil }
func (noopService) ReviewEscalated(context.Context, *review.Session, []string) error { return nil }
func (noopService) ReviewResolved(context.Context, *review.Session, *review.AuditRecord) error {
	return nil
}
func (noopService) ReviewAbandoned(context.Context, *review.Session) error           { return nil }
func (noopService) NotifyItemRejected(context.Context, string, string, string) error { return nil }
func (noopService) NotifyItemDeployed(context.Context, string, string) error         { return nil }
func (noopService) NotifyError(context.Context, error, string) error                 { return nil }
func (noopService) TestNotification(context.Context) error                           { return nil }
