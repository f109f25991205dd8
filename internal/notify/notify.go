// Package notify delivers best-effort run reports over Slack and email.
//
// The contract is strictly fire-and-forget: a delivery failure is logged and
// swallowed, never escalated to the run. Nothing here may block run
// completion beyond its own timeout.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"csvetl/internal/runs"
)

// Config holds notifier settings; zero-valued channels are skipped.
type Config struct {
	Enabled bool

	SlackWebhookURL string

	SMTPHost      string
	SMTPPort      int
	SMTPUser      string
	SMTPPassword  string
	SMTPRecipient string
}

// Logger is the minimal logging seam, satisfied by *log.Logger.
type Logger interface {
	Printf(format string, v ...any)
}

// Notifier sends run reports. Safe for concurrent use.
type Notifier struct {
	cfg    Config
	logger Logger

	client *http.Client
	// sendMail is a seam for tests; production uses smtp.SendMail.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// New returns a notifier. logger may be nil.
func New(cfg Config, logger Logger) *Notifier {
	return &Notifier{
		cfg:      cfg,
		logger:   logger,
		client:   &http.Client{Timeout: 10 * time.Second},
		sendMail: smtp.SendMail,
	}
}

// Status reports which delivery channels this notifier would use, without
// exposing credentials.
type Status struct {
	Enabled         bool `json:"enabled"`
	SlackConfigured bool `json:"slack_configured"`
	EmailConfigured bool `json:"email_configured"`
}

func (n *Notifier) Status() Status {
	return Status{
		Enabled:         n.cfg.Enabled,
		SlackConfigured: n.cfg.SlackWebhookURL != "",
		EmailConfigured: n.cfg.SMTPUser != "" && n.cfg.SMTPPassword != "",
	}
}

func (n *Notifier) logf(format string, v ...any) {
	if n.logger != nil {
		n.logger.Printf(format, v...)
	}
}

// SendReport delivers the final run snapshot over every configured channel.
// Errors are logged, never returned: the caller has already finished the run.
func (n *Notifier) SendReport(ctx context.Context, r runs.Run) {
	if !n.cfg.Enabled {
		n.logf("notify: notifications disabled")
		return
	}

	if n.cfg.SMTPUser != "" && n.cfg.SMTPPassword != "" {
		if err := n.sendEmail(r); err != nil {
			n.logf("notify: email failed: %v", err)
		} else {
			n.logf("notify: email sent")
		}
	}

	if n.cfg.SlackWebhookURL != "" {
		if err := n.sendSlack(ctx, r); err != nil {
			n.logf("notify: slack failed: %v", err)
		} else {
			n.logf("notify: slack sent")
		}
	}
}

func formatReport(r runs.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ETL Execution Report\n")
	fmt.Fprintf(&b, "--------------------\n")
	fmt.Fprintf(&b, "Status: %s\n", r.Status)
	fmt.Fprintf(&b, "Duration: %.2fs\n\n", r.Duration.Seconds())
	fmt.Fprintf(&b, "File: %s\n", r.FileName)
	fmt.Fprintf(&b, "Rows Read: %d\n\n", r.TotalRead)
	fmt.Fprintf(&b, "Valid: %d\n", r.TotalValid)
	fmt.Fprintf(&b, "Rejected: %d\n\n", r.TotalRejected)
	fmt.Fprintf(&b, "DB Inserts: %d\n", r.DBInserts)
	fmt.Fprintf(&b, "DB Updates: %d\n", r.DBUpdates)
	return b.String()
}

func (n *Notifier) sendEmail(r runs.Run) error {
	recipient := n.cfg.SMTPRecipient
	if recipient == "" {
		recipient = n.cfg.SMTPUser
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", n.cfg.SMTPUser)
	fmt.Fprintf(&msg, "To: %s\r\n", recipient)
	fmt.Fprintf(&msg, "Subject: ETL Report: %s (%s)\r\n", r.FileName, r.Status)
	fmt.Fprintf(&msg, "\r\n%s", formatReport(r))

	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)
	auth := smtp.PlainAuth("", n.cfg.SMTPUser, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	return n.sendMail(addr, auth, n.cfg.SMTPUser, []string{recipient}, msg.Bytes())
}

// slackPayload builds a Block Kit message for the run.
func slackPayload(r runs.Run) map[string]any {
	field := func(label string, value any) map[string]any {
		return map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*%s:*\n%v", label, value),
		}
	}
	return map[string]any{
		"blocks": []map[string]any{
			{
				"type": "header",
				"text": map[string]any{
					"type":  "plain_text",
					"text":  "ETL Job Report",
					"emoji": true,
				},
			},
			{
				"type": "section",
				"fields": []map[string]any{
					field("Status", r.Status),
					field("Duration", fmt.Sprintf("%.2fs", r.Duration.Seconds())),
				},
			},
			{
				"type": "section",
				"fields": []map[string]any{
					field("Read", r.TotalRead),
					field("Valid", r.TotalValid),
					field("Rejected", r.TotalRejected),
				},
			},
			{"type": "divider"},
		},
	}
}

func (n *Notifier) sendSlack(ctx context.Context, r runs.Run) error {
	body, err := json.Marshal(slackPayload(r))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.SlackWebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack webhook: status %d: %s", resp.StatusCode, b)
	}
	return nil
}
