// Package email delivers operational alert mail to firm staff.
package email

import (
	"context"
	"fmt"
	"net"
	"time"

	"lawflow_backend/internal/config"

	gomail "github.com/wneessen/go-mail"
)

// StaleMatter is one row of the stale-matter digest.
type StaleMatter struct {
	DisplayNumber string
	Description   string
	StageName     string
	EnteredAt     time.Time
	DaysInStage   int
}

// Sender delivers alert emails to the configured recipients.
type Sender interface {
	SendStaleMattersAlert(ctx context.Context, matters []StaleMatter) error
	SendTokenRefreshAlert(ctx context.Context, reason string) error
}

// NewSender builds the configured sender. With email disabled it returns
// a no-op so jobs never branch on delivery config.
func NewSender(cfg *config.Config) (Sender, error) {
	if !cfg.EmailEnabled {
		return NoopSender{}, nil
	}
	if len(cfg.AlertRecipients) == 0 {
		return nil, fmt.Errorf("EMAIL_ENABLED requires at least one ALERT_RECIPIENT")
	}
	return &SMTPSender{
		host:       cfg.SMTPHost,
		port:       cfg.SMTPPort,
		username:   cfg.SMTPUsername,
		password:   cfg.SMTPPassword,
		fromName:   cfg.EmailFromName,
		fromEmail:  cfg.EmailFromAddr,
		recipients: cfg.AlertRecipients,
	}, nil
}

// NoopSender drops all mail. Used when alerting is disabled.
type NoopSender struct{}

func (NoopSender) SendStaleMattersAlert(context.Context, []StaleMatter) error { return nil }
func (NoopSender) SendTokenRefreshAlert(context.Context, string) error        { return nil }

// SMTPSender delivers alerts over the firm's own SMTP server via go-mail.
type SMTPSender struct {
	host       string
	port       int
	username   string
	password   string
	fromName   string
	fromEmail  string
	recipients []string
}

// SendStaleMattersAlert mails the digest of matters that have sat in one
// stage past the configured dwell limit.
func (s *SMTPSender) SendStaleMattersAlert(ctx context.Context, matters []StaleMatter) error {
	if len(matters) == 0 {
		return nil
	}
	content, err := renderEmailTemplate("stale_matters.html", staleMattersEmailData{
		baseEmailData: baseEmailData{
			Title:   "Stale matters need attention",
			Heading: fmt.Sprintf("%d matters have stalled", len(matters)),
		},
		Matters: matters,
	})
	if err != nil {
		return err
	}
	return s.send(ctx, fmt.Sprintf(subjectStaleMattersFmt, len(matters)), content)
}

// SendTokenRefreshAlert warns staff that the practice-management OAuth
// token could not be refreshed; automation halts until it is fixed.
func (s *SMTPSender) SendTokenRefreshAlert(ctx context.Context, reason string) error {
	content, err := renderEmailTemplate("token_failure.html", tokenFailureEmailData{
		baseEmailData: baseEmailData{
			Title:   "Practice-management access failing",
			Heading: "OAuth token refresh failed",
		},
		Reason: reason,
	})
	if err != nil {
		return err
	}
	return s.send(ctx, subjectTokenFailure, content)
}

func (s *SMTPSender) send(ctx context.Context, subject, htmlContent string) error {
	msg := gomail.NewMsg()
	if err := msg.FromFormat(s.fromName, s.fromEmail); err != nil {
		return fmt.Errorf("smtp from: %w", err)
	}
	if err := msg.To(s.recipients...); err != nil {
		return fmt.Errorf("smtp to: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextHTML, htmlContent)

	client, err := gomail.NewClient(s.host,
		gomail.WithPort(s.port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(s.username),
		gomail.WithPassword(s.password),
		gomail.WithTLSPortPolicy(gomail.TLSOpportunistic),
		gomail.WithTimeout(15*time.Second),
		gomail.WithDialContextFunc(func(dctx context.Context, _ string, addr string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(dctx, "tcp4", addr)
		}),
	)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}

	return nil
}
