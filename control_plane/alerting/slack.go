package alerting

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackSender posts alerts to a Slack incoming webhook.
type SlackSender struct {
	webhookURL string
}

// NewSlackSender wires a Slack webhook sender.
func NewSlackSender(webhookURL string) *SlackSender {
	return &SlackSender{webhookURL: webhookURL}
}

func (s *SlackSender) Name() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, alert Context) error {
	text := fmt.Sprintf(":rotating_light: workflow *%s* failing: %d failure(s)",
		alert.Workflow, alert.FailureCount)

	fields := []slack.AttachmentField{
		{Title: "Step", Value: orDash(alert.Triggering.FailureStep), Short: true},
		{Title: "Reason", Value: orDash(alert.Triggering.FailureReason), Short: false},
	}
	if alert.FirstFailure != nil {
		fields = append(fields, slack.AttachmentField{
			Title: "First failure",
			Value: alert.FirstFailure.Format("2006-01-02 15:04:05 MST"),
			Short: true,
		})
	}
	if alert.LastSuccess != nil {
		fields = append(fields, slack.AttachmentField{
			Title: "Last success",
			Value: alert.LastSuccess.Format("2006-01-02 15:04:05 MST"),
			Short: true,
		})
	}

	msg := &slack.WebhookMessage{
		Text: text,
		Attachments: []slack.Attachment{{
			Color:  "danger",
			Fields: fields,
		}},
	}
	return slack.PostWebhookContext(ctx, s.webhookURL, msg)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
