// Package alert is the Alerting & Metrics component (§4.G): cooldown-
// deduplicated notifications fanned out to Slack, SMTP, and (for critical
// severity) Sentry, plus the latency percentile tracker in latency.go.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const cooldown = 5 * time.Minute

type Severity string

const (
	Info     Severity = "info"
	Warning  Severity = "warning"
	Error    Severity = "error"
	Critical Severity = "critical"
)

// Config carries the transport settings the Manager needs. A zero-value
// field disables that transport.
type Config struct {
	SlackWebhookURL string
	SlackChannel    string

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	AlertEmailTo string

	SentryDSN string
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Manager fans incoming alerts out to every configured transport,
// deduplicating by alert key within a 5-minute cooldown window.
type Manager struct {
	cfg Config
	log zerolog.Logger
	http httpDoer

	mu        sync.Mutex
	lastSent  map[string]time.Time
}

func New(cfg Config, log zerolog.Logger) *Manager {
	if cfg.SentryDSN != "" {
		_ = sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN})
	}
	return &Manager{
		cfg:      cfg,
		log:      log.With().Str("component", "alert").Logger(),
		http:     &http.Client{Timeout: 10 * time.Second},
		lastSent: make(map[string]time.Time),
	}
}

func (m *Manager) Close() {
	if m.cfg.SentryDSN != "" {
		sentry.Flush(2 * time.Second)
	}
}

func (m *Manager) shouldSend(key string) bool {
	if key == "" {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < cooldown {
		return false
	}
	m.lastSent[key] = now
	return true
}

// Send delivers title/message through every configured transport,
// honoring the alert key's cooldown. Transport errors are logged, never
// returned — alert delivery must not block the caller's own error path.
func (m *Manager) Send(ctx context.Context, title, message string, severity Severity, metadata map[string]any, alertKey string) {
	if !m.shouldSend(alertKey) {
		m.log.Debug().Str("alert_key", alertKey).Str("title", title).Msg("alert suppressed by cooldown")
		return
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if m.cfg.SlackWebhookURL != "" {
		group.Go(func() error {
			if err := m.sendSlack(groupCtx, title, message, severity, metadata); err != nil {
				m.log.Error().Err(err).Msg("slack alert delivery failed")
			}
			return nil
		})
	}
	if m.cfg.AlertEmailTo != "" && m.cfg.SMTPHost != "" {
		group.Go(func() error {
			if err := m.sendEmail(title, message, severity, metadata); err != nil {
				m.log.Error().Err(err).Msg("email alert delivery failed")
			}
			return nil
		})
	}
	if m.cfg.SentryDSN != "" && severity == Critical {
		group.Go(func() error {
			m.sendSentry(title, message, metadata)
			return nil
		})
	}
	_ = group.Wait()
}

type slackAttachment struct {
	Color  string            `json:"color"`
	Title  string            `json:"title"`
	Text   string            `json:"text"`
	Fields []slackField      `json:"fields,omitempty"`
	Footer string            `json:"footer"`
	Ts     int64             `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

var severityColor = map[Severity]string{
	Info:     "#36a64f",
	Warning:  "#ff9900",
	Error:    "#ff0000",
	Critical: "#990000",
}

func (m *Manager) sendSlack(ctx context.Context, title, message string, severity Severity, metadata map[string]any) error {
	fields := make([]slackField, 0, len(metadata))
	for k, v := range metadata {
		fields = append(fields, slackField{Title: k, Value: fmt.Sprintf("%v", v), Short: true})
	}

	payload := map[string]any{
		"channel":    m.cfg.SlackChannel,
		"username":   "Trade Copier Alert",
		"icon_emoji": ":chart_with_upwards_trend:",
		"attachments": []slackAttachment{{
			Color:  severityColor[severity],
			Title:  fmt.Sprintf("[%s] %s", severity, title),
			Text:   message,
			Fields: fields,
			Footer: "Trade Copier System",
			Ts:     time.Now().Unix(),
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.SlackWebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("post slack alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (m *Manager) sendEmail(title, message string, severity Severity, metadata map[string]any) error {
	var body string
	body += fmt.Sprintf("Subject: [%s] %s\r\n", severity, title)
	body += fmt.Sprintf("To: %s\r\n", m.cfg.AlertEmailTo)
	body += "Content-Type: text/html\r\n\r\n"
	body += fmt.Sprintf("<h2>%s</h2><p>%s</p><ul>", title, message)
	for k, v := range metadata {
		body += fmt.Sprintf("<li><strong>%s:</strong> %v</li>", k, v)
	}
	body += fmt.Sprintf("</ul><hr><p><small>Trade Copier System - %s</small></p>", time.Now().UTC().Format(time.RFC3339))

	addr := fmt.Sprintf("%s:%d", m.cfg.SMTPHost, m.cfg.SMTPPort)
	var auth smtp.Auth
	if m.cfg.SMTPUser != "" && m.cfg.SMTPPassword != "" {
		auth = smtp.PlainAuth("", m.cfg.SMTPUser, m.cfg.SMTPPassword, m.cfg.SMTPHost)
	}
	return smtp.SendMail(addr, auth, m.cfg.SMTPUser, []string{m.cfg.AlertEmailTo}, []byte(body))
}

func (m *Manager) sendSentry(title, message string, metadata map[string]any) {
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range metadata {
			scope.SetExtra(k, v)
		}
		sentry.CaptureMessage(fmt.Sprintf("%s: %s", title, message))
	})
}

// --- Named alert helpers, one per event the rest of the system emits ---

func (m *Manager) Disconnected(ctx context.Context, reason string) {
	m.Send(ctx, "WebSocket Disconnected",
		fmt.Sprintf("Lost connection to master account stream: %s", reason),
		Warning, map[string]any{"reason": reason}, "websocket_disconnected")
}

func (m *Manager) Reconnected(ctx context.Context) {
	m.Send(ctx, "WebSocket Reconnected",
		"Successfully reconnected to master account stream",
		Info, nil, "websocket_reconnected")
}

func (m *Manager) HighFailureRate(ctx context.Context, failureCount, totalCount int) {
	rate := 0.0
	if totalCount > 0 {
		rate = float64(failureCount) / float64(totalCount) * 100
	}
	m.Send(ctx, "High Replication Failure Rate",
		fmt.Sprintf("Trade replication failure rate: %.1f%%", rate),
		Error, map[string]any{
			"failed_trades": failureCount,
			"total_trades":  totalCount,
			"failure_rate":  fmt.Sprintf("%.1f%%", rate),
		}, "high_failure_rate")
}

func (m *Manager) BreakerOpened(ctx context.Context, clientAccountID, reason string) {
	m.Send(ctx, "Circuit Breaker Opened",
		fmt.Sprintf("Circuit breaker opened for client %s", clientAccountID),
		Warning, map[string]any{"client_account_id": clientAccountID, "reason": reason}, "breaker_opened_"+clientAccountID)
}

func (m *Manager) LatencyExceeded(ctx context.Context, masterOrderID string, latencyMs, thresholdMs int) {
	m.Send(ctx, "High Replication Latency",
		fmt.Sprintf("Trade replication latency (%dms) exceeded threshold (%dms)", latencyMs, thresholdMs),
		Warning, map[string]any{
			"master_order_id": masterOrderID,
			"latency_ms":      latencyMs,
			"threshold_ms":    thresholdMs,
		}, "latency_exceeded_"+masterOrderID)
}

func (m *Manager) SystemError(ctx context.Context, component, errMsg string) {
	m.Send(ctx, "System Error",
		fmt.Sprintf("Critical error in %s: %s", component, errMsg),
		Critical, map[string]any{"component": component, "error": errMsg}, "system_error_"+component)
}
