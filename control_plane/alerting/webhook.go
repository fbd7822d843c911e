package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookSender POSTs the alert context as JSON to a generic endpoint. When a
// secret is configured the body is signed and the signature travels in
// X-Camshaft-Signature.
type WebhookSender struct {
	client *resty.Client
	url    string
	secret []byte
}

// NewWebhookSender wires a generic webhook sender.
func NewWebhookSender(url, secret string) *WebhookSender {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "camshaft-alerting")
	return &WebhookSender{client: client, url: url, secret: []byte(secret)}
}

func (w *WebhookSender) Name() string { return "webhook" }

func (w *WebhookSender) Send(ctx context.Context, alert Context) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req := w.client.R().SetContext(ctx).SetBody(body)
	if len(w.secret) > 0 {
		req.SetHeader(SignatureHeader, Sign(w.secret, body))
	}

	resp, err := req.Post(w.url)
	if err != nil {
		return fmt.Errorf("post alert webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("alert webhook returned %s", resp.Status())
	}
	return nil
}
