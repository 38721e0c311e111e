// Package slack sends workflow lifecycle notifications to Slack via
// incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/workflow"
)

const httpTimeout = 10 * time.Second

// Notifier posts workflow events to a Slack webhook. It implements
// workflow.Notifier; delivery failures are logged, never propagated.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a Slack notifier. If webhookURL is empty, both Notify
// methods are no-ops.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger.With("component", "slack"),
	}
}

// NotifyTransition posts an applied workflow transition.
func (n *Notifier) NotifyTransition(ctx context.Context, e *workflow.TransitionEvent) {
	if err := n.post(ctx, transitionMessage(e)); err != nil {
		n.logger.Error(ctx, err, "slack transition notification failed", "alert_id", e.AlertID)
	}
}

// NotifyBreach posts an SLA breach, mentioning the escalation target when
// the response leg escalated to a manager.
func (n *Notifier) NotifyBreach(ctx context.Context, e *workflow.BreachEvent) {
	if err := n.post(ctx, breachMessage(e)); err != nil {
		n.logger.Error(ctx, err, "slack breach notification failed", "alert_id", e.AlertID)
	}
}

func (n *Notifier) post(ctx context.Context, msg map[string]any) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func transitionMessage(e *workflow.TransitionEvent) map[string]any {
	fields := []map[string]any{
		mrkdwnField("*From:* %s", e.From),
		mrkdwnField("*To:* %s", e.To),
		mrkdwnField("*Actor:* %s", orDash(e.Actor)),
		mrkdwnField("*Reason:* %s", orDash(e.Reason)),
	}
	if e.DeadlineAt != nil {
		fields = append(fields, mrkdwnField("*Next deadline:* %s", e.DeadlineAt.UTC().Format("2006-01-02 15:04 UTC")))
	}

	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(fmt.Sprintf("%s Alert %s: %s", transitionEmoji(e.To), e.AlertID, e.To)),
			{"type": "divider"},
			{"type": "section", "fields": fields},
			contextBlock(e.AlertID),
		},
	}
}

func breachMessage(e *workflow.BreachEvent) map[string]any {
	fields := []map[string]any{
		mrkdwnField("*Leg:* %s", e.Leg),
		mrkdwnField("*Severity:* %s", e.Severity),
		mrkdwnField("*Deadline:* %s", e.Deadline.UTC().Format("2006-01-02 15:04 UTC")),
		mrkdwnField("*Assignee:* %s", orDash(e.AssignedTo)),
	}
	if e.Escalated {
		fields = append(fields, mrkdwnField("*Escalated to:* %s", orDash(e.Manager)))
	}

	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(fmt.Sprintf("\U0001f6a8 SLA breach: alert %s (%s)", e.AlertID, e.Leg)),
			{"type": "divider"},
			{"type": "section", "fields": fields},
			contextBlock(e.AlertID),
		},
	}
}

func headerBlock(text string) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func contextBlock(alertID string) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("warden • alert %s • %s", alertID, time.Now().UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func mrkdwnField(format string, arg any) map[string]any {
	return map[string]any{
		"type": "mrkdwn",
		"text": fmt.Sprintf(format, arg),
	}
}

func transitionEmoji(to alert.Status) string {
	switch to {
	case alert.StatusResolved, alert.StatusClosed:
		return "\U0001f7e2" // green circle
	case alert.StatusRejected:
		return "⚪" // white circle
	default:
		return "\U0001f7e1" // yellow circle
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
