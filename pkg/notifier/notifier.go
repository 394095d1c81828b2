// Package notifier contains the core domain types for the discussion-board notification service.
package notifier

import "time"

// UserID identifies a board user.
type UserID int64

// User is a potential digest recipient.
type User struct {
	ID          UserID `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// Event is a pending notification: a post or response was inserted into a thread.
type Event struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id"`    // Entity id of the root message
	PostID      string    `json:"post_id"`      // Entity id of the inserted post (== ThreadID for the root)
	ContainerID string    `json:"container_id"` // Folder the thread lives in
	AuthorID    UserID    `json:"author_id"`
	AuthorName  string    `json:"author_name"`
	Title       string    `json:"title"`        // Post title
	ThreadTitle string    `json:"thread_title"` // Root title, used as the digest section heading
	Body        string    `json:"body"`         // Rendered HTML body
	Created     time.Time `json:"created"`      // Post time, used for ordering
	Queued      time.Time `json:"queued"`       // When the notification was stored; digest windows are cut on it
}

// IsResponse reports whether the event is a response rather than a new thread.
func (e *Event) IsResponse() bool {
	return e.PostID != "" && e.PostID != e.ThreadID
}

// Reason explains why a recipient gets an event.
type Reason string

// Reasons a recipient matched an event.
const (
	ReasonMemberList Reason = "member_list" // Explicitly on the thread's member list
	ReasonSignedUp   Reason = "signed_up"   // Matched through their email preference
)

// DigestEntry is one event inside a recipient's digest.
type DigestEntry struct {
	Event  *Event `json:"event"`
	Reason Reason `json:"reason"`
}

// Digest is the batched payload for one recipient and one window.
type Digest struct {
	DigestType  string         `json:"digest_type"`
	Recipient   *User          `json:"recipient"`
	Entries     []*DigestEntry `json:"entries"` // Ordered by Event.Created ascending
	WindowStart time.Time      `json:"window_start"`
	WindowEnd   time.Time      `json:"window_end"`
}

// Attempt is a window whose delivery did not fully succeed yet.
type Attempt struct {
	End       time.Time `json:"end"`
	Delivered []UserID  `json:"delivered"` // Recipients already served for this window
	StartedAt time.Time `json:"started_at"`
}

// DigestState is the persisted progress of one digest type.
type DigestState struct {
	DigestType  string    `json:"digest_type"`
	WindowStart time.Time `json:"window_start"` // End of the last fully delivered window
	Attempt     *Attempt  `json:"attempt,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Generation is the object-store generation the state was read at; zero when new.
	Generation int64 `json:"-"`
}

// RunResult summarizes one RunDigest call.
type RunResult struct {
	RunID              string    `json:"run_id"`
	DigestType         string    `json:"digest_type"`
	RecipientsNotified int       `json:"recipients_notified"`
	EventsProcessed    int       `json:"events_processed"`
	WindowStart        time.Time `json:"window_start"`
	WindowEnd          time.Time `json:"window_end"`
	Failed             []UserID  `json:"failed,omitempty"`
	Committed          bool      `json:"committed"` // Window advanced to WindowEnd
}
