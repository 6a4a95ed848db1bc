// Package alert delivers operational notifications to Telegram and Slack.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Config holds the credentials for the supported alert channels. Channels
// with empty credentials are skipped.
type Config struct {
	TelegramToken  string
	TelegramChatID string
	SlackWebhook   string
}

// Notifier sends alert messages to every configured channel.
type Notifier struct {
	cfg  Config
	http *http.Client
}

// New constructs a Notifier for the configured channels.
func New(cfg Config) *Notifier {
	return &Notifier{
		cfg: cfg,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Enabled reports whether at least one alert channel is configured.
func (n *Notifier) Enabled() bool {
	return (n.cfg.TelegramToken != "" && n.cfg.TelegramChatID != "") || n.cfg.SlackWebhook != ""
}

// Send delivers the message to every configured channel. Failures are
// collected so one channel cannot mask another.
func (n *Notifier) Send(ctx context.Context, message string) error {
	var errs []error

	if n.cfg.TelegramToken != "" && n.cfg.TelegramChatID != "" {
		if err := n.sendTelegram(ctx, message); err != nil {
			errs = append(errs, fmt.Errorf("telegram: %w", err))
		}
	}

	if n.cfg.SlackWebhook != "" {
		if err := n.sendSlack(ctx, message); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (n *Notifier) sendTelegram(ctx context.Context, message string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.cfg.TelegramToken)
	payload := struct {
		ChatID string `json:"chat_id"`
		Text   string `json:"text"`
	}{
		ChatID: n.cfg.TelegramChatID,
		Text:   message,
	}

	return n.post(ctx, url, payload)
}

func (n *Notifier) sendSlack(ctx context.Context, message string) error {
	payload := struct {
		Text string `json:"text"`
	}{
		Text: message,
	}

	return n.post(ctx, n.cfg.SlackWebhook, payload)
}

func (n *Notifier) post(ctx context.Context, url string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	return nil
}
