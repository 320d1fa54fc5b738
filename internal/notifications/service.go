package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lectern/internal/config"
)

const (
	userAgent      = "Lectern-Go/0.1.0"
	defaultTimeout = 10 * time.Second
)

// Service pushes operator notifications for finished runs.
type Service interface {
	NotifyProcessingCompleted(ctx context.Context, documentID string, degraded bool) error
	NotifyProcessingFailed(ctx context.Context, documentID, reason string) error
	TestNotification(ctx context.Context) error
}

// NewService returns an ntfy-backed Service, or one that drops every
// notification when no topic is configured.
func NewService(cfg *config.Config) Service {
	n := cfg.Notifications
	topic := strings.TrimSpace(n.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	timeout := time.Duration(n.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ntfyService{
		topicURL:  topic,
		client:    &http.Client{Timeout: timeout},
		completed: n.Completed,
		failed:    n.Failed,
	}
}

// notice is one ntfy message; title, tags and priority travel as headers.
type notice struct {
	title    string
	body     string
	tags     []string
	priority string
}

func (m notice) request(ctx context.Context, topicURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, topicURL, strings.NewReader(m.body))
	if err != nil {
		return nil, fmt.Errorf("build ntfy request: %w", err)
	}
	headers := map[string]string{
		"User-Agent":   userAgent,
		"Content-Type": "text/plain; charset=utf-8",
		"Title":        m.title,
		"Tags":         strings.Join(m.tags, ","),
		"Priority":     m.priority,
	}
	for key, value := range headers {
		if value != "" {
			req.Header.Set(key, value)
		}
	}
	return req, nil
}

type ntfyService struct {
	topicURL  string
	client    *http.Client
	completed bool
	failed    bool
}

func (n *ntfyService) NotifyProcessingCompleted(ctx context.Context, documentID string, degraded bool) error {
	if !n.completed {
		return nil
	}
	documentID = strings.TrimSpace(documentID)
	if degraded {
		return n.send(ctx, notice{
			title: "Lectern - Complete (English only)",
			body:  "⚠️ Document ready with English fallback: " + documentID,
			tags:  []string{"lectern", "pipeline", "degraded"},
		})
	}
	return n.send(ctx, notice{
		title: "Lectern - Complete",
		body:  "✅ Document ready: " + documentID,
		tags:  []string{"lectern", "pipeline", "completed"},
	})
}

func (n *ntfyService) NotifyProcessingFailed(ctx context.Context, documentID, reason string) error {
	if !n.failed {
		return nil
	}
	lines := []string{"❌ Processing failed: " + strings.TrimSpace(documentID)}
	if reason = strings.TrimSpace(reason); reason != "" {
		lines = append(lines, reason)
	}
	return n.send(ctx, notice{
		title:    "Lectern - Failed",
		body:     strings.Join(lines, "\n"),
		tags:     []string{"lectern", "pipeline", "failed"},
		priority: "high",
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, notice{
		title:    "Lectern - Test",
		body:     "🧪 Notification system test",
		tags:     []string{"lectern", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, m notice) error {
	req, err := m.request(ctx, n.topicURL)
	if err != nil {
		return err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
}

type noopService struct{}

func (noopService) NotifyProcessingCompleted(context.Context, string, bool) error { return nil }
func (noopService) NotifyProcessingFailed(context.Context, string, string) error  { return nil }
func (noopService) TestNotification(context.Context) error                        { return nil }
