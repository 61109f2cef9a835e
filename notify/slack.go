// Package notify posts deploy outcomes to Slack.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/slack-go/slack"

	"github.com/songzhibin97/autoflow/events"
	"github.com/songzhibin97/autoflow/queue"
)

// Source is the part of a queue the notifier listens to.
type Source interface {
	OnComplete(fn func(ctx context.Context, event events.Event) error)
	OnFailed(fn func(ctx context.Context, event events.Event) error)
}

// Option configures a SlackNotifier.
type Option func(*SlackNotifier)

// WithHTTPClient sets the client used for webhook calls.
func WithHTTPClient(c *http.Client) Option {
	return func(n *SlackNotifier) { n.client = c }
}

// WithChannel overrides the webhook's default channel.
func WithChannel(channel string) Option {
	return func(n *SlackNotifier) { n.channel = channel }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *SlackNotifier) { n.logger = logger }
}

// SlackNotifier posts a message to an incoming webhook when a deploy job
// completes or fails for good.
type SlackNotifier struct {
	webhookURL string
	channel    string
	client     *http.Client
	logger     *slog.Logger
}

// NewSlackNotifier creates a notifier. An empty webhookURL disables it.
func NewSlackNotifier(webhookURL string, opts ...Option) *SlackNotifier {
	n := &SlackNotifier{webhookURL: webhookURL, client: http.DefaultClient, logger: slog.Default()}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Enabled reports whether a webhook is configured.
func (n *SlackNotifier) Enabled() bool {
	return n.webhookURL != ""
}

// Attach subscribes the notifier to src. It does nothing when disabled.
func (n *SlackNotifier) Attach(src Source) {
	if !n.Enabled() {
		n.logger.Info("slack notifications disabled")
		return
	}
	src.OnComplete(n.handle)
	src.OnFailed(n.handle)
}

func (n *SlackNotifier) handle(ctx context.Context, event events.Event) error {
	if event.Kind != queue.KindDeploy {
		return nil
	}
	return n.Post(ctx, Message(event))
}

// Post sends text to the webhook.
func (n *SlackNotifier) Post(ctx context.Context, text string) error {
	msg := &slack.WebhookMessage{Text: text, Channel: n.channel}
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.webhookURL, n.client, msg); err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	return nil
}

// Message renders a job event.
func Message(event events.Event) string {
	wf, _ := event.Data["workflow_id"].(string)
	req, _ := event.Data["request_id"].(string)
	switch event.Type {
	case events.JobCompleted:
		return fmt.Sprintf(":white_check_mark: Workflow %s deployed (request %s)", wf, req)
	case events.JobFailed:
		reason, _ := event.Data["error"].(string)
		attempts, _ := event.Data["attempt"].(string)
		return fmt.Sprintf(":x: Workflow %s failed to deploy after %s attempt(s): %s (request %s)", wf, attempts, reason, req)
	default:
		return fmt.Sprintf("Workflow %s: %s", wf, event.Type)
	}
}
