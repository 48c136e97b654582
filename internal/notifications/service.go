package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"accession/internal/config"
)

const userAgent = "accession/0.1.0"

// Event identifies a notification type.
type Event string

const (
	EventDepositFinished Event = "deposit_finished"
	EventDepositFailed   Event = "deposit_failed"
	EventPipelineQuieted Event = "pipeline_quieted"
	EventPipelineStopped Event = "pipeline_stopped"
	EventTest            Event = "test"
)

// Payload carries event details keyed by name.
type Payload map[string]string

// Service defines the notification surface exposed to the supervisor.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
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
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		enabled: map[Event]bool{
			EventDepositFinished: cfg.Notifications.Finished,
			EventDepositFailed:   cfg.Notifications.Failed,
			EventPipelineQuieted: cfg.Notifications.Pipeline,
			EventPipelineStopped: cfg.Notifications.Pipeline,
			EventTest:            true,
		},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	enabled  map[Event]bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	if !n.enabled[event] {
		return nil
	}
	msg, ok := format(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func format(event Event, payload Payload) (message, bool) {
	deposit := describeDeposit(payload)
	switch event {
	case EventDepositFinished:
		body := fmt.Sprintf("Deposit finished: %s", deposit)
		if n := strings.TrimSpace(payload["ingested"]); n != "" && n != "0" {
			body = fmt.Sprintf("%s\nIngested objects: %s", body, n)
		}
		return message{
			title: "Accession - Deposit Finished",
			body:  body,
			tags:  []string{"accession", "deposit", "finished"},
		}, true
	case EventDepositFailed:
		reason := strings.TrimSpace(payload["error"])
		if reason == "" {
			reason = "unknown error"
		}
		return message{
			title:    "Accession - Deposit Failed",
			body:     fmt.Sprintf("Deposit failed: %s\n%s", deposit, reason),
			tags:     []string{"accession", "deposit", "failed"},
			priority: "high",
		}, true
	case EventPipelineQuieted:
		return message{
			title: "Accession - Pipeline Quieted",
			body:  "Pipeline is quiet: all running jobs have finished",
			tags:  []string{"accession", "pipeline", "quieted"},
		}, true
	case EventPipelineStopped:
		return message{
			title: "Accession - Pipeline Stopped",
			body:  "Pipeline stopped: no further jobs will be scheduled",
			tags:  []string{"accession", "pipeline", "stopped"},
		}, true
	case EventTest:
		return message{
			title:    "Accession - Test",
			body:     "Notification system test",
			tags:     []string{"accession", "test"},
			priority: "low",
		}, true
	default:
		return message{}, false
	}
}

func describeDeposit(payload Payload) string {
	id := strings.TrimSpace(payload["depositId"])
	if id == "" {
		id = "unknown"
	}
	if depositor := strings.TrimSpace(payload["depositor"]); depositor != "" {
		return fmt.Sprintf("%s (%s)", id, depositor)
	}
	return id
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" && msg.priority != "default" {
		req.Header.Set("Priority", msg.priority)
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

func (noopService) Publish(context.Context, Event, Payload) error { return nil }

// Noop returns a Service that drops every event.
func Noop() Service { return noopService{} }
