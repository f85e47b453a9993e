package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/beaconhq/beacon/pkg/config"
	"github.com/beaconhq/beacon/pkg/log"
	"github.com/beaconhq/beacon/pkg/metrics"
	"github.com/beaconhq/beacon/pkg/types"
)

// Notifier delivers an alert on one channel
type Notifier interface {
	Name() string
	Send(ctx context.Context, alert *types.Alert) error
}

// LogNotifier writes alerts to the structured log. Always registered, so
// every alert leaves a trace even with no external channels configured.
type LogNotifier struct{}

func (LogNotifier) Name() string { return "log" }

func (LogNotifier) Send(_ context.Context, alert *types.Alert) error {
	logger := log.WithComponent("alert")
	logger.Warn().
		Str("alert_id", alert.ID).
		Str("rule_id", alert.RuleID).
		Str("severity", string(alert.Severity)).
		Str("metric", alert.Metric).
		Float64("value", alert.Value).
		Float64("threshold", alert.Threshold).
		Msg(alert.Title)
	return nil
}

// WebhookNotifier POSTs the alert as JSON to a configured endpoint
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(cfg config.WebhookConfig) *WebhookNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
	}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) Send(ctx context.Context, alert *types.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
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
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// SlackNotifier posts alerts to a Slack channel as colored attachments
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

func NewSlackNotifier(cfg config.SlackConfig) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(cfg.Token),
		channel: cfg.Channel,
	}
}

func (n *SlackNotifier) Name() string { return "slack" }

func (n *SlackNotifier) Send(ctx context.Context, alert *types.Alert) error {
	attachment := slack.Attachment{
		Color:  severityColor(alert.Severity),
		Title:  alert.Title,
		Text:   alert.Description,
		Footer: "beacon",
		Ts:     json.Number(fmt.Sprintf("%d", alert.LastOccurrence.Unix())),
		Fields: []slack.AttachmentField{
			{Title: "Severity", Value: string(alert.Severity), Short: true},
			{Title: "Metric", Value: alert.Metric, Short: true},
			{Title: "Value", Value: fmt.Sprintf("%.2f", alert.Value), Short: true},
			{Title: "Threshold", Value: fmt.Sprintf("%.2f", alert.Threshold), Short: true},
		},
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionAttachments(attachment))
	return err
}

func severityColor(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "#d00000"
	case types.SeverityHigh:
		return "#e85d04"
	case types.SeverityMedium:
		return "#faa307"
	default:
		return "#219ebc"
	}
}

// EmailNotifier sends plain-text alert mail over SMTP
type EmailNotifier struct {
	addr string
	from string
	to   []string
}

func NewEmailNotifier(cfg config.EmailConfig) *EmailNotifier {
	return &EmailNotifier{addr: cfg.SMTPAddr, from: cfg.From, to: cfg.To}
}

func (n *EmailNotifier) Name() string { return "email" }

func (n *EmailNotifier) Send(_ context.Context, alert *types.Alert) error {
	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", n.from)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(n.to, ", "))
	fmt.Fprintf(&body, "Subject: [%s] %s\r\n\r\n", strings.ToUpper(string(alert.Severity)), alert.Title)
	fmt.Fprintf(&body, "%s\r\n\r\n", alert.Description)
	fmt.Fprintf(&body, "Metric:    %s\r\n", alert.Metric)
	fmt.Fprintf(&body, "Value:     %.2f\r\n", alert.Value)
	fmt.Fprintf(&body, "Threshold: %.2f\r\n", alert.Threshold)
	fmt.Fprintf(&body, "First:     %s\r\n", alert.FirstOccurrence.Format(time.RFC3339))

	return smtp.SendMail(n.addr, nil, n.from, n.to, []byte(body.String()))
}

// notify fans an alert out to the named channels. Failures are logged and
// counted, never propagated; alerting must not depend on every sink being up.
func (e *Engine) notify(ctx context.Context, alert *types.Alert, channels []string) {
	if len(channels) == 0 {
		channels = []string{"log"}
	}

	for _, name := range channels {
		n, ok := e.notifiers[name]
		if !ok {
			e.logger.Warn().Str("channel", name).Msg("no notifier registered for channel")
			continue
		}

		if err := n.Send(ctx, alert); err != nil {
			metrics.NotificationsTotal.WithLabelValues(name, "error").Inc()
			e.logger.Error().Err(err).Str("channel", name).Str("alert_id", alert.ID).
				Msg("notification failed")
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(name, "ok").Inc()
	}
}
