package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nodepulse/nodepulse/internal/model"
)

// webhookClient is shared by all webhook adapters.
var webhookClient = &http.Client{Timeout: 10 * time.Second}

// Discord embed colors (decimal RGB).
const (
	discordRed    = 0xE74C3C
	discordOrange = 0xE67E22
	discordBlue   = 0x3498DB
)

func discordColor(severity string) int {
	switch severity {
	case model.SeverityCritical:
		return discordRed
	case model.SeverityWarning:
		return discordOrange
	default:
		return discordBlue
	}
}

func slackColor(severity string) string {
	switch severity {
	case model.SeverityCritical:
		return "#e74c3c"
	case model.SeverityWarning:
		return "#e67e22"
	default:
		return "#3498db"
	}
}

func postJSON(ctx context.Context, name, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: %s: marshal: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: %s: build request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := webhookClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: %s: %w", name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: %s: status %d", name, resp.StatusCode)
	}
	return nil
}

// DiscordNotifier posts an embeds array to a Discord webhook URL.
type DiscordNotifier struct {
	URL string
}

func (d *DiscordNotifier) Name() string { return "discord" }

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp"`
}

func (d *DiscordNotifier) Notify(ctx context.Context, n Notification) error {
	fields := []discordField{
		{Name: "Node", Value: n.NodeName, Inline: true},
		{Name: "Severity", Value: n.Severity, Inline: true},
	}
	for _, kv := range sortedDetails(n.Details) {
		fields = append(fields, discordField{Name: kv.key, Value: kv.value, Inline: true})
	}
	payload := map[string]any{
		"embeds": []discordEmbed{{
			Title:       n.Title,
			Description: n.Message,
			Color:       discordColor(n.Severity),
			Fields:      fields,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	}
	return postJSON(ctx, d.Name(), d.URL, payload)
}

// SlackNotifier posts an attachments array to a Slack webhook URL.
type SlackNotifier struct {
	URL string
}

func (s *SlackNotifier) Name() string { return "slack" }

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields,omitempty"`
	Ts     int64        `json:"ts"`
}

func (s *SlackNotifier) Notify(ctx context.Context, n Notification) error {
	fields := []slackField{
		{Title: "Node", Value: n.NodeName, Short: true},
		{Title: "Severity", Value: n.Severity, Short: true},
	}
	for _, kv := range sortedDetails(n.Details) {
		fields = append(fields, slackField{Title: kv.key, Value: kv.value, Short: true})
	}
	payload := map[string]any{
		"attachments": []slackAttachment{{
			Color:  slackColor(n.Severity),
			Title:  n.Title,
			Text:   n.Message,
			Fields: fields,
			Ts:     time.Now().Unix(),
		}},
	}
	return postJSON(ctx, s.Name(), s.URL, payload)
}

// WebhookNotifier posts one flat JSON object to an arbitrary endpoint.
type WebhookNotifier struct {
	URL string
}

func (w *WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	payload := map[string]any{
		"alert_type": n.AlertType,
		"severity":   n.Severity,
		"node_name":  n.NodeName,
		"title":      n.Title,
		"message":    n.Message,
		"details":    n.Details,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	return postJSON(ctx, w.Name(), w.URL, payload)
}
