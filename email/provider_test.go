package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"announcements-notifier/pkg/notifier"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDeliverSendsRenderedDigest(t *testing.T) {
	mock := NewMockProvider(discardLogger())
	s := testSender(mock)

	if err := s.Deliver(context.Background(), testDigest()); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("got %d messages, want 1", len(sent))
	}
	msg := sent[0]
	if msg.To != "carol@example.com" {
		t.Errorf("To = %q", msg.To)
	}
	if msg.ToName != "Carol" {
		t.Errorf("ToName = %q", msg.ToName)
	}
	if msg.Subject != "3 new posts in 2 threads" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if msg.ListUnsubscribe != "https://labkey.example/announcements/emailPreferences?container=home" {
		t.Errorf("ListUnsubscribe = %q", msg.ListUnsubscribe)
	}
	if !strings.Contains(msg.HTML, "Daily digest for") {
		t.Error("HTML body should be rendered")
	}
}

func TestDeliverEmptyDigestSendsNothing(t *testing.T) {
	mock := NewMockProvider(discardLogger())
	s := testSender(mock)

	d := testDigest()
	d.Entries = nil
	if err := s.Deliver(context.Background(), d); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if n := len(mock.Sent()); n != 0 {
		t.Errorf("got %d messages, want 0", n)
	}
}

func TestDeliverInvalidAddressIsUndeliverable(t *testing.T) {
	mock := NewMockProvider(discardLogger())
	s := testSender(mock)

	d := testDigest()
	d.Recipient.Email = "not an address"
	err := s.Deliver(context.Background(), d)
	if !errors.Is(err, notifier.ErrUndeliverable) {
		t.Fatalf("Deliver() error = %v, want ErrUndeliverable", err)
	}
	if n := len(mock.Sent()); n != 0 {
		t.Errorf("got %d messages, want 0", n)
	}
}

func TestMockProviderKeepsRecentMessages(t *testing.T) {
	mock := NewMockProvider(discardLogger())
	total := mockHistory + 5
	for i := 0; i < total; i++ {
		msg := &Message{To: fmt.Sprintf("user%d@example.com", i), Subject: "digest"}
		if err := mock.Send(context.Background(), msg); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	sent := mock.Sent()
	if len(sent) != mockHistory {
		t.Fatalf("got %d messages, want %d", len(sent), mockHistory)
	}
	if sent[0].To != "user5@example.com" {
		t.Errorf("oldest kept message To = %q, want user5@example.com", sent[0].To)
	}
	if want := fmt.Sprintf("user%d@example.com", total-1); sent[len(sent)-1].To != want {
		t.Errorf("newest message To = %q, want %q", sent[len(sent)-1].To, want)
	}
}

func TestDeliverHonorsRateLimit(t *testing.T) {
	mock := NewMockProvider(discardLogger())
	s := New(mock, rate.NewLimiter(rate.Every(time.Hour), 1), discardLogger(), "https://labkey.example", time.UTC)

	if err := s.Deliver(context.Background(), testDigest()); err != nil {
		t.Fatalf("first Deliver() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Deliver(ctx, testDigest()); err == nil {
		t.Fatal("second Deliver() should fail while waiting for the limiter")
	}
	if n := len(mock.Sent()); n != 1 {
		t.Errorf("got %d messages, want 1", n)
	}
}

type failingProvider struct{ err error }

func (f failingProvider) Send(context.Context, *Message) error { return f.err }

func TestDeliverWrapsProviderError(t *testing.T) {
	boom := errors.New("smtp down")
	s := testSender(failingProvider{err: boom})

	err := s.Deliver(context.Background(), testDigest())
	if !errors.Is(err, boom) {
		t.Fatalf("Deliver() error = %v, want wrapped %v", err, boom)
	}
	if errors.Is(err, notifier.ErrUndeliverable) {
		t.Error("Provider failures must not be reported as undeliverable")
	}
}

func TestBrevoSend(t *testing.T) {
	var got brevoSendRequest
	var apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("api-key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := NewBrevoProvider("secret", "noreply@labkey.example", "LabKey", discardLogger())
	p.endpoint = srv.URL

	err := p.Send(context.Background(), &Message{
		To:              "carol@example.com",
		ToName:          "Carol",
		Subject:         "Digest",
		HTML:            "<p>hi</p>",
		ListUnsubscribe: "https://labkey.example/prefs",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if apiKey != "secret" {
		t.Errorf("api-key header = %q", apiKey)
	}
	if got.Sender.Email != "noreply@labkey.example" || got.Sender.Name != "LabKey" {
		t.Errorf("sender = %+v", got.Sender)
	}
	if len(got.To) != 1 || got.To[0].Email != "carol@example.com" || got.To[0].Name != "Carol" {
		t.Errorf("to = %+v", got.To)
	}
	if got.Headers["List-Unsubscribe"] != "<https://labkey.example/prefs>" {
		t.Errorf("headers = %v", got.Headers)
	}
}

func TestBrevoSendClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewBrevoProvider("secret", "noreply@labkey.example", "", discardLogger())
	p.endpoint = srv.URL

	if err := p.Send(context.Background(), &Message{To: "carol@example.com", Subject: "x", HTML: "x"}); err == nil {
		t.Fatal("Send() should fail on HTTP 400")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("got %d calls, want 1", n)
	}
}

func TestGmailMIMEStripsHeaderInjection(t *testing.T) {
	g := NewGmailProvider(nil, "noreply@labkey.example", "LabKey", discardLogger())
	raw := g.buildMIME(&Message{
		To:              "carol@example.com\r\nBcc: evil@example.com",
		Subject:         "Digest\r\nBcc: evil@example.com",
		HTML:            "<p>hi</p>",
		ListUnsubscribe: "https://labkey.example/prefs",
	})

	if strings.Contains(raw, "\r\nBcc:") {
		t.Errorf("MIME message should not contain an injected header:\n%s", raw)
	}
	for _, want := range []string{
		"From: LabKey <noreply@labkey.example>\r\n",
		"List-Unsubscribe: <https://labkey.example/prefs>\r\n",
		"Content-Type: text/html; charset=utf-8\r\n\r\n<p>hi</p>",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("MIME message should contain %q", want)
		}
	}
}
