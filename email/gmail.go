package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
)

// GmailProvider sends emails via Gmail API.
type GmailProvider struct {
	service  *gmail.Service
	fromAddr string
	fromName string
	logger   *slog.Logger
}

// NewGmailProvider creates a new Gmail email provider. An empty fromAddr lets Gmail
// use the authenticated account.
func NewGmailProvider(service *gmail.Service, fromAddr, fromName string, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service:  service,
		fromAddr: fromAddr,
		fromName: fromName,
		logger:   logger,
	}
}

// sanitizeEmailHeader removes newlines and control characters to prevent header injection.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

func formatAddress(name, addr string) string {
	addr = sanitizeEmailHeader(addr)
	if name == "" {
		return addr
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", sanitizeEmailHeader(name)), addr)
}

// buildMIME renders msg as an RFC 5322 message with an HTML body.
func (g *GmailProvider) buildMIME(msg *Message) string {
	var b strings.Builder
	b.WriteString("MIME-Version: 1.0\r\n")
	if g.fromAddr != "" {
		b.WriteString(fmt.Sprintf("From: %s\r\n", formatAddress(g.fromName, g.fromAddr)))
	}
	b.WriteString(fmt.Sprintf("To: %s\r\n", formatAddress(msg.ToName, msg.To)))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", sanitizeEmailHeader(msg.Subject))))
	if msg.ListUnsubscribe != "" {
		b.WriteString(fmt.Sprintf("List-Unsubscribe: <%s>\r\n", sanitizeEmailHeader(msg.ListUnsubscribe)))
	}
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(msg.HTML)
	return b.String()
}

// Send sends an email via Gmail API.
func (g *GmailProvider) Send(ctx context.Context, msg *Message) error {
	encoded := base64.URLEncoding.EncodeToString([]byte(g.buildMIME(msg)))
	to := sanitizeEmailHeader(msg.To)

	return retry.Do(
		func() error {
			g.logger.Info("Gmail API request starting",
				"method", "POST",
				"endpoint", "users.messages.send",
				"to", to,
				"subject", msg.Subject)

			startTime := time.Now()
			_, err := g.service.Users.Messages.Send("me", &gmail.Message{
				Raw: encoded,
			}).Context(ctx).Do()
			duration := time.Since(startTime)

			if err != nil {
				g.logger.Warn("Gmail API send failed, will retry",
					"to", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			g.logger.Info("Gmail API request completed",
				"endpoint", "users.messages.send",
				"to", to,
				"duration_ms", duration.Milliseconds(),
				"status", "success")

			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail email send after error", "attempt", n, "error", err)
		}),
	)
}
