package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"warden/config"
	"warden/core"
)

const userAgent = "Warden/1.0"

// Channel types accepted in notify.channels[].type
const (
	ChannelWebhook = "webhook"
	ChannelSlack   = "slack"
	ChannelEmail   = "email"
	ChannelNATS    = "nats"
	ChannelInApp   = "in_app"
	ChannelLog     = "log"
)

// Publisher is the part of *nats.Conn the NATS transports need
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// BuildTransports creates a transport for every enabled channel. nc may be nil
// when NATS is disabled; nats and in_app channels are then a configuration error.
func BuildTransports(channels []config.ChannelConfig, nc Publisher, logger *zap.SugaredLogger) (map[string]core.NotificationTransport, error) {
	transports := make(map[string]core.NotificationTransport, len(channels))
	for _, ch := range channels {
		if !ch.Enabled {
			continue
		}
		switch ch.Type {
		case ChannelWebhook:
			transports[ch.Name] = NewWebhookTransport(ch.URL, ch.Headers, logger)
		case ChannelSlack:
			transports[ch.Name] = NewSlackTransport(ch.URL, logger)
		case ChannelEmail:
			transports[ch.Name] = NewEmailTransport(ch)
		case ChannelNATS, ChannelInApp:
			if nc == nil {
				return nil, core.ConfigError("notify.channels."+ch.Name, "%s channels need nats.enabled", ch.Type)
			}
			transports[ch.Name] = NewNATSTransport(nc, ch.Subject)
		case ChannelLog:
			transports[ch.Name] = NewLogTransport(logger)
		default:
			return nil, core.ConfigError("notify.channels."+ch.Name, "unknown channel type %q", ch.Type)
		}
	}
	return transports, nil
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
		// Redirects are not followed; a webhook that moves must be reconfigured
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// postJSON sends body to url, retrying transient failures within ctx
func postJSON(ctx context.Context, client *http.Client, policy RetryPolicy, logger *zap.SugaredLogger, url string, headers map[string]string, body []byte) error {
	return withRetry(ctx, policy, logger, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", userAgent)
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &HTTPStatusError{Code: resp.StatusCode}
		}
		return nil
	})
}

// WebhookTransport posts the notification as JSON
type WebhookTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
	policy  RetryPolicy
	logger  *zap.SugaredLogger
}

// NewWebhookTransport creates a webhook transport with the default retry policy
func NewWebhookTransport(url string, headers map[string]string, logger *zap.SugaredLogger) *WebhookTransport {
	return &WebhookTransport{
		url:     url,
		headers: headers,
		client:  newHTTPClient(),
		policy:  DefaultRetryPolicy(),
		logger:  logger,
	}
}

// WithRetryPolicy replaces the retry policy
func (t *WebhookTransport) WithRetryPolicy(p RetryPolicy) *WebhookTransport {
	t.policy = p
	return t
}

// Send implements core.NotificationTransport
func (t *WebhookTransport) Send(ctx context.Context, n core.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	if err := postJSON(ctx, t.client, t.policy, t.logger, t.url, t.headers, body); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

var severityColor = map[core.Severity]string{
	core.SeverityCritical: "#d32f2f",
	core.SeverityHigh:     "#f44336",
	core.SeverityMedium:   "#ff9800",
	core.SeverityLow:      "#2196f3",
}

// SlackTransport posts to a Slack incoming webhook
type SlackTransport struct {
	url    string
	client *http.Client
	policy RetryPolicy
	logger *zap.SugaredLogger
}

// NewSlackTransport creates a Slack transport with the default retry policy
func NewSlackTransport(url string, logger *zap.SugaredLogger) *SlackTransport {
	return &SlackTransport{
		url:    url,
		client: newHTTPClient(),
		policy: DefaultRetryPolicy(),
		logger: logger,
	}
}

// Send implements core.NotificationTransport
func (t *SlackTransport) Send(ctx context.Context, n core.Notification) error {
	body, err := json.Marshal(slackPayload(n))
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	if err := postJSON(ctx, t.client, t.policy, t.logger, t.url, nil, body); err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	return nil
}

func slackPayload(n core.Notification) map[string]any {
	if n.Alert == nil {
		return map[string]any{"text": fmt.Sprintf("*%s*\n%s", n.Subject, n.Message)}
	}
	a := n.Alert
	color := severityColor[a.Severity]
	if color == "" {
		color = "#757575"
	}
	fields := []map[string]any{
		{"title": "Rule", "value": string(a.Rule), "short": true},
		{"title": "Alert ID", "value": "`" + a.ID + "`", "short": true},
		{"title": "Event Type", "value": a.EventType, "short": true},
	}
	if a.IPAddress != "" {
		fields = append(fields, map[string]any{"title": "Source IP", "value": "`" + a.IPAddress + "`", "short": true})
	}
	if a.UserID != "" {
		fields = append(fields, map[string]any{"title": "User", "value": a.UserID, "short": true})
	}
	if len(a.Recommendations) > 0 {
		fields = append(fields, map[string]any{"title": "Recommended", "value": "• " + strings.Join(a.Recommendations, "\n• ")})
	}
	return map[string]any{
		"text": fmt.Sprintf("*%s severity alert*: %s", a.Severity, n.Subject),
		"attachments": []map[string]any{{
			"color":  color,
			"fields": fields,
			"footer": "Warden",
			"ts":     a.Timestamp.Unix(),
		}},
	}
}

var emailBody = template.Must(template.New("email").Parse(`{{.Message}}
{{with .Alert}}
Alert ID:   {{.ID}}
Rule:       {{.Rule}}
Severity:   {{.Severity}}
Event:      {{.EventID}} ({{.EventType}})
{{- if .UserID}}
User:       {{.UserID}}{{end}}
{{- if .IPAddress}}
Source IP:  {{.IPAddress}}{{end}}
Timestamp:  {{.Timestamp.UTC.Format "2006-01-02T15:04:05Z07:00"}}
{{if .Recommendations}}
Recommended actions:
{{range .Recommendations}}  - {{.}}
{{end}}{{end}}{{end}}`))

// EmailTransport sends plain text mail over SMTP
type EmailTransport struct {
	host     string
	port     int
	username string
	password string
	from     string
	to       []string
}

// NewEmailTransport creates an SMTP transport from the channel settings
func NewEmailTransport(ch config.ChannelConfig) *EmailTransport {
	port := ch.SMTPPort
	if port == 0 {
		port = 587
	}
	return &EmailTransport{
		host:     ch.SMTPHost,
		port:     port,
		username: ch.SMTPUsername,
		password: ch.SMTPPassword,
		from:     ch.From,
		to:       ch.To,
	}
}

// Send implements core.NotificationTransport. The whole SMTP exchange is bounded by ctx.
func (t *EmailTransport) Send(ctx context.Context, n core.Notification) error {
	msg, err := t.message(n)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(t.host, strconv.Itoa(t.port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, t.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: t.host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("start TLS: %w", err)
		}
	}
	if t.username != "" {
		if err := client.Auth(smtp.PlainAuth("", t.username, t.password, t.host)); err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
	}
	if err := client.Mail(t.from); err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	for _, rcpt := range t.to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("set recipient %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("initiate data transfer: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data transfer: %w", err)
	}
	return client.Quit()
}

func (t *EmailTransport) message(n core.Notification) ([]byte, error) {
	var body bytes.Buffer
	if err := emailBody.Execute(&body, n); err != nil {
		return nil, fmt.Errorf("render email body: %w", err)
	}

	subject := n.Subject
	if n.Alert != nil {
		subject = fmt.Sprintf("[%s] %s", strings.ToUpper(string(n.Alert.Severity)), n.Subject)
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", t.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(t.to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body.String(), "\n", "\r\n"))
	return b.Bytes(), nil
}

// sanitizeHeader strips CR and LF so a value cannot inject extra headers
func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// NATSTransport publishes the notification as JSON on a subject. The in_app
// channel uses it to reach the application's user notification service.
type NATSTransport struct {
	nc      Publisher
	subject string
}

// NewNATSTransport creates a transport publishing on subject
func NewNATSTransport(nc Publisher, subject string) *NATSTransport {
	return &NATSTransport{nc: nc, subject: subject}
}

// Send implements core.NotificationTransport
func (t *NATSTransport) Send(ctx context.Context, n core.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msg := nats.NewMsg(t.subject)
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	msg.Header.Set("Warden-Kind", string(n.Kind))
	if err := t.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to %s: %w", t.subject, err)
	}
	return nil
}

// LogTransport writes notifications to the engine log
type LogTransport struct {
	logger *zap.SugaredLogger
}

// NewLogTransport creates a log transport
func NewLogTransport(logger *zap.SugaredLogger) *LogTransport {
	return &LogTransport{logger: logger}
}

// Send implements core.NotificationTransport
func (t *LogTransport) Send(_ context.Context, n core.Notification) error {
	if n.Alert == nil {
		t.logger.Infow("User notification",
			"channel", n.Channel,
			"user_id", n.UserID,
			"subject", n.Subject)
		return nil
	}
	t.logger.Warnw("Security alert",
		"channel", n.Channel,
		"alert_id", n.Alert.ID,
		"rule", n.Alert.Rule,
		"severity", n.Alert.Severity,
		"event_id", n.Alert.EventID,
		"user_id", n.Alert.UserID,
		"ip_address", n.Alert.IPAddress)
	return nil
}
