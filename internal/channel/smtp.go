package channel

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"notifyhub/internal/apperr"
	"notifyhub/internal/config"
)

// SMTPTransport is the EMAIL channel's Transport, grounded on
// internal/email/service.go's sendMail: TLS dial, PLAIN auth, a hand-built
// RFC 5322 header block.
type SMTPTransport struct {
	cfg config.SMTPConfig
}

func NewSMTPTransport(cfg config.SMTPConfig) *SMTPTransport {
	return &SMTPTransport{cfg: cfg}
}

func (t *SMTPTransport) Send(ctx context.Context, payload Payload) (Outcome, error) {
	to, ok := payload.Notification.UserEmail()
	if !ok || to == "" {
		return OutcomePermanentFailure, apperr.TemplateFatal("NO_RECIPIENT_EMAIL", "notification has no userEmail in metadata")
	}

	if t.cfg.Debug {
		return OutcomeSent, nil
	}

	headers := map[string]string{
		"From":         t.cfg.From,
		"To":           to,
		"Subject":      payload.Subject,
		"MIME-Version": "1.0",
		"Content-Type": "text/html; charset=UTF-8",
		"Date":         time.Now().Format(time.RFC1123Z),
	}
	var message bytes.Buffer
	for k, v := range headers {
		fmt.Fprintf(&message, "%s: %s\r\n", k, v)
	}
	message.WriteString("\r\n")
	message.WriteString(payload.Body)

	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	tlsConfig := &tls.Config{ServerName: t.cfg.Host}

	dialer := &tls.Dialer{Config: tlsConfig}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return OutcomeTransientFailure, fmt.Errorf("smtp tls dial: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		return OutcomeTransientFailure, fmt.Errorf("smtp client: %w", err)
	}
	defer client.Close()

	if t.cfg.Username != "" {
		auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return OutcomeTransientFailure, fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(t.cfg.From); err != nil {
		return OutcomeTransientFailure, fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		if strings.HasPrefix(err.Error(), "550") || strings.HasPrefix(err.Error(), "551") {
			return OutcomePermanentFailure, fmt.Errorf("smtp rcpt rejected: %w", err)
		}
		return OutcomeTransientFailure, fmt.Errorf("smtp rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return OutcomeTransientFailure, fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(message.Bytes()); err != nil {
		return OutcomeTransientFailure, fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return OutcomeTransientFailure, fmt.Errorf("smtp close: %w", err)
	}

	return OutcomeSent, client.Quit()
}
