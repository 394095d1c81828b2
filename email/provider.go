// Package email renders daily digests and sends them via pluggable providers.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mcnijman/go-emailaddress"
	"golang.org/x/time/rate"

	"announcements-notifier/pkg/notifier"
)

// Message is a rendered email ready for a provider.
type Message struct {
	To              string
	ToName          string
	Subject         string
	HTML            string
	ListUnsubscribe string // URL for the List-Unsubscribe header, optional
}

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends the message, retrying transient failures itself.
	Send(ctx context.Context, msg *Message) error
}

// Sender turns digests into emails and hands them to a provider.
type Sender struct {
	provider Provider
	limiter  *rate.Limiter
	logger   *slog.Logger
	baseURL  string         // For links in emails
	loc      *time.Location // Post timestamps are shown in this zone
}

// New creates a digest sender. A nil limiter sends without throttling.
func New(provider Provider, limiter *rate.Limiter, logger *slog.Logger, baseURL string, loc *time.Location) *Sender {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Sender{
		provider: provider,
		limiter:  limiter,
		logger:   logger,
		baseURL:  baseURL,
		loc:      loc,
	}
}

// Deliver renders d and sends it. Malformed recipient addresses yield notifier.ErrUndeliverable.
func (s *Sender) Deliver(ctx context.Context, d *notifier.Digest) error {
	if len(d.Entries) == 0 {
		return nil
	}

	addr, err := emailaddress.Parse(d.Recipient.Email)
	if err != nil {
		s.logger.Warn("Invalid recipient address",
			"user_id", d.Recipient.ID,
			"email", d.Recipient.Email,
			"error", err)
		return fmt.Errorf("user %d address %q: %w", d.Recipient.ID, d.Recipient.Email, notifier.ErrUndeliverable)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for send slot: %w", err)
	}

	msg := &Message{
		To:              addr.String(),
		ToName:          d.Recipient.DisplayName,
		Subject:         digestSubject(d),
		HTML:            s.formatDigestBody(d),
		ListUnsubscribe: s.preferencesURL(d.Entries[0].Event.ContainerID),
	}

	s.logger.Info("Sending digest email",
		"to", msg.To,
		"subject", msg.Subject,
		"entries", len(d.Entries),
		"digest_type", d.DigestType)

	if err := s.provider.Send(ctx, msg); err != nil {
		return fmt.Errorf("send digest: %w", err)
	}
	return nil
}
