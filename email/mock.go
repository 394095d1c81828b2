package email

import (
	"context"
	"log/slog"
	"sync"
)

// mockHistory is how many messages MockProvider keeps for Sent.
const mockHistory = 100

// MockProvider logs emails instead of sending them and remembers the most recent ones.
type MockProvider struct {
	logger *slog.Logger
	mu     sync.Mutex
	sent   []*Message
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the email instead of sending it.
func (m *MockProvider) Send(_ context.Context, msg *Message) error {
	m.mu.Lock()
	if len(m.sent) == mockHistory {
		copy(m.sent, m.sent[1:])
		m.sent = m.sent[:mockHistory-1]
	}
	m.sent = append(m.sent, msg)
	m.mu.Unlock()

	m.logger.Info("MOCK EMAIL",
		"to", msg.To,
		"subject", msg.Subject,
		"body_length", len(msg.HTML))
	return nil
}

// Sent returns the most recent messages passed to Send, oldest first.
func (m *MockProvider) Sent() []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Message, len(m.sent))
	copy(out, m.sent)
	return out
}
