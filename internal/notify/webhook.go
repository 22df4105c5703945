package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// WebhookNotifier sends events via webhook.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

type webhookPayload struct {
	MsgType string      `json:"msgtype"`
	Text    webhookText `json:"text"`
}

type webhookText struct {
	Content string `json:"content"`
}

// NewWebhookNotifier constructs a notifier.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify sends an event to the webhook.
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.url == "" {
		return errors.New("webhook notifier: empty url")
	}
	payload := webhookPayload{
		MsgType: "text",
		Text:    webhookText{Content: formatEvent(event)},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New("webhook notifier: non-2xx")
	}
	return nil
}

func formatEvent(event Event) string {
	var b strings.Builder
	switch event.Kind {
	case KindDeviceHealth:
		b.WriteString("[Device Health]\n")
	default:
		b.WriteString("[Attendance]\n")
	}
	if event.UserID != "" {
		fmt.Fprintf(&b, "User: %s\n", event.UserID)
	}
	if event.Day != "" {
		fmt.Fprintf(&b, "Day: %s\n", event.Day)
	}
	if event.DeviceID != "" {
		fmt.Fprintf(&b, "Device: %s\n", event.DeviceID)
	}
	if event.Action != "" {
		fmt.Fprintf(&b, "Action: %s\n", event.Action)
	}
	if event.CheckIn != "" {
		fmt.Fprintf(&b, "Check-In: %s\n", event.CheckIn)
	}
	if event.CheckOut != "" {
		fmt.Fprintf(&b, "Check-Out: %s\n", event.CheckOut)
	}
	if event.TotalHours > 0 {
		fmt.Fprintf(&b, "Hours: %.2f\n", event.TotalHours)
	}
	if event.Status != "" {
		fmt.Fprintf(&b, "Status: %s\n", event.Status)
	}
	if event.Health != "" {
		fmt.Fprintf(&b, "Health: %s\n", event.Health)
	}
	return strings.TrimSpace(b.String())
}
