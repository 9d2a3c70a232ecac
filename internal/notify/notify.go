package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"server-dr/internal/config"
	"server-dr/internal/logging"
)

// Severity orders events for channel filtering
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is as severe as min. Unknown values rank as info.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// Lifecycle event names
const (
	EventBackupStarted   = "backup.started"
	EventBackupSucceeded = "backup.succeeded"
	EventBackupPartial   = "backup.partial"
	EventBackupFailed    = "backup.failed"
	EventBackupSkipped   = "backup.skipped"

	EventRecoveryStarted   = "recovery.started"
	EventRecoveryCompleted = "recovery.completed"
	EventRecoveryPartial   = "recovery.completed_with_warnings"
	EventRecoveryAborted   = "recovery.aborted"
	EventRecoveryFailed    = "recovery.failed"

	EventDRTestStarted = "drtest.started"
	EventDRTestPassed  = "drtest.passed"
	EventDRTestFailed  = "drtest.failed"
)

// Event is one lifecycle notification
type Event struct {
	Event     string                 `json:"event"`
	Message   string                 `json:"message"`
	Severity  Severity               `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	Hostname  string                 `json:"hostname"`
	RunID     string                 `json:"run_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Channel delivers events to one destination
type Channel interface {
	Send(ctx context.Context, event Event) error
	Type() string
}

// Notifier fans events out to every configured channel
type Notifier struct {
	logger      *logging.Logger
	hostname    string
	minSeverity Severity
	channels    []Channel
}

// New builds channels from cfg. A disabled configuration yields a notifier
// with no channels, so callers never need a nil check.
func New(cfg config.NotificationsConfig, hostname string, logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	n := &Notifier{
		logger:      logger,
		hostname:    hostname,
		minSeverity: Severity(strings.ToLower(cfg.MinSeverity)),
	}
	if !cfg.Enabled {
		return n
	}
	if cfg.Webhook.URL != "" {
		n.channels = append(n.channels, NewWebhookChannel(cfg.Webhook))
	}
	if cfg.Slack.WebhookURL != "" {
		n.channels = append(n.channels, NewSlackChannel(cfg.Slack))
	}
	if cfg.File.Path != "" {
		n.channels = append(n.channels, NewFileChannel(cfg.File.Path))
	}
	return n
}

// AddChannel registers an extra channel
func (n *Notifier) AddChannel(c Channel) {
	n.channels = append(n.channels, c)
}

// Notify delivers event to every channel concurrently. Delivery failures are
// logged and returned together; they never abort the caller's work.
func (n *Notifier) Notify(ctx context.Context, event Event) error {
	if len(n.channels) == 0 || !event.Severity.AtLeast(n.minSeverity) {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Hostname == "" {
		event.Hostname = n.hostname
	}
	if event.RunID == "" {
		event.RunID = logging.RunIDFromContext(ctx)
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs []string
	)
	for _, ch := range n.channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			if err := ch.Send(ctx, event); err != nil {
				n.logger.WithFields(map[string]interface{}{
					"channel": ch.Type(),
					"event":   event.Event,
					"error":   err.Error(),
				}).Warn("Notification delivery failed")
				mu.Lock()
				errs = append(errs, fmt.Sprintf("%s: %v", ch.Type(), err))
				mu.Unlock()
			}
		}(ch)
	}
	wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("notification delivery failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// WebhookChannel posts the event as JSON
type WebhookChannel struct {
	cfg    config.WebhookConfig
	client *http.Client
}

// NewWebhookChannel creates a webhook channel
func NewWebhookChannel(cfg config.WebhookConfig) *WebhookChannel {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (w *WebhookChannel) Send(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	headers := map[string]string{"Content-Type": "application/json"}
	for k, v := range w.cfg.Headers {
		headers[k] = v
	}
	return post(ctx, w.client, w.cfg.URL, payload, headers)
}

func (w *WebhookChannel) Type() string { return "webhook" }

// SlackChannel posts a formatted attachment to an incoming webhook
type SlackChannel struct {
	cfg    config.SlackConfig
	client *http.Client
}

// NewSlackChannel creates a Slack channel
func NewSlackChannel(cfg config.SlackConfig) *SlackChannel {
	return &SlackChannel{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

var slackColors = map[Severity]string{
	SeverityInfo:     "#36a64f",
	SeverityWarning:  "#ff9500",
	SeverityError:    "#ff0000",
	SeverityCritical: "#8b0000",
}

func (s *SlackChannel) Send(ctx context.Context, event Event) error {
	fields := []map[string]interface{}{
		{"title": "Host", "value": event.Hostname, "short": true},
		{"title": "Severity", "value": string(event.Severity), "short": true},
	}
	if event.RunID != "" {
		fields = append(fields, map[string]interface{}{"title": "Run", "value": event.RunID, "short": true})
	}

	payload := map[string]interface{}{
		"text": fmt.Sprintf("[%s] %s", event.Hostname, event.Event),
		"attachments": []map[string]interface{}{{
			"color":  slackColors[event.Severity],
			"title":  event.Event,
			"text":   event.Message,
			"ts":     event.Timestamp.Unix(),
			"fields": fields,
		}},
	}
	if s.cfg.Channel != "" {
		payload["channel"] = s.cfg.Channel
	}
	if s.cfg.Username != "" {
		payload["username"] = s.cfg.Username
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal Slack payload: %w", err)
	}
	return post(ctx, s.client, s.cfg.WebhookURL, data, map[string]string{"Content-Type": "application/json"})
}

func (s *SlackChannel) Type() string { return "slack" }

// FileChannel appends events as JSON lines
type FileChannel struct {
	mu   sync.Mutex
	path string
}

// NewFileChannel creates a file channel
func NewFileChannel(path string) *FileChannel {
	return &FileChannel{path: path}
}

func (f *FileChannel) Send(ctx context.Context, event Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open notification file: %w", err)
	}
	defer file.Close()

	_, err = file.Write(append(line, '\n'))
	return err
}

func (f *FileChannel) Type() string { return "file" }

func post(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
