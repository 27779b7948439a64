package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"forgeline/internal/config"
	"forgeline/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink posts matching timeline entries to configured HTTP endpoints.
type WebhookSink struct {
	hooks  []config.WebhookConfig
	client *http.Client
}

func NewWebhookSink(hooks []config.WebhookConfig) *WebhookSink {
	var enabled []config.WebhookConfig
	for _, h := range hooks {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		if strings.TrimSpace(h.URL) == "" {
			continue
		}
		enabled = append(enabled, h)
	}
	return &WebhookSink{hooks: enabled, client: &http.Client{Timeout: defaultWebhookTimeout}}
}

type webhookEntry struct {
	RunID string `json:"run_id"`
	domain.TimelineEntry
}

func (s *WebhookSink) Emit(ctx context.Context, runID string, e domain.TimelineEntry) error {
	if len(s.hooks) == 0 {
		return nil
	}
	data, err := json.Marshal(webhookEntry{RunID: runID, TimelineEntry: e})
	if err != nil {
		return err
	}
	for _, hook := range s.hooks {
		if !newLevelFilter(hook.Levels).match(string(e.Level)) {
			continue
		}
		if err := s.post(ctx, hook, runID, e, data); err != nil {
			return fmt.Errorf("webhook %s: %w", hook.URL, err)
		}
	}
	return nil
}

func (s *WebhookSink) post(ctx context.Context, hook config.WebhookConfig, runID string, e domain.TimelineEntry, data []byte) error {
	client := s.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forgeline-Run", runID)
	req.Header.Set("X-Forgeline-Delivery", fmt.Sprintf("%s-%d", runID, e.Seq))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Forgeline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type levelFilter struct {
	all bool
	set map[string]struct{}
}

func newLevelFilter(levels []string) levelFilter {
	set := make(map[string]struct{}, len(levels))
	for _, l := range levels {
		if key := strings.TrimSpace(l); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return levelFilter{all: true}
	}
	return levelFilter{set: set}
}

func (f levelFilter) match(level string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[level]
	return ok
}
