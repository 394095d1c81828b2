package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"announcements-notifier/lifecycle"
	"announcements-notifier/members"
	"announcements-notifier/pkg/notifier"
)

// Routing keys consumed from the board exchange.
const (
	KeyPostInserted       = "announcements.post.inserted"
	KeyThreadSubscribe    = "announcements.thread.subscribe"
	KeyThreadUnsubscribe  = "announcements.thread.unsubscribe"
	KeyUserDeleted        = "security.user.deleted"
	KeyGroupMemberRemoved = "security.group.member_removed"
	KeyContainerDeleted   = "container.deleted"
)

// PostRecorder stores a new post and queues its notification.
type PostRecorder interface {
	RecordPost(ctx context.Context, ev *notifier.Event) error
}

// MemberLists changes thread member lists on behalf of a user.
type MemberLists interface {
	Subscribe(ctx context.Context, user notifier.UserID, postID string) error
	Unsubscribe(ctx context.Context, user notifier.UserID, postID string) error
}

// Publisher fans lifecycle events out to the components that keep per-user or per-container rows.
type Publisher interface {
	Publish(ctx context.Context, ev lifecycle.Event) error
}

// PostMessage is the body of a post.inserted message.
type PostMessage struct {
	ID          string    `json:"id"`
	PostID      string    `json:"post_id" validate:"required"`
	ThreadID    string    `json:"thread_id" validate:"required"`
	ContainerID string    `json:"container_id" validate:"required"`
	AuthorID    int64     `json:"author_id" validate:"required,gt=0"`
	AuthorName  string    `json:"author_name"`
	Title       string    `json:"title" validate:"max=255"`
	ThreadTitle string    `json:"thread_title" validate:"max=255"`
	Body        string    `json:"body"`
	Created     time.Time `json:"created" validate:"required"`
}

// MembershipMessage is the body of a thread subscribe or unsubscribe message.
type MembershipMessage struct {
	UserID int64  `json:"user_id" validate:"required,gt=0"`
	PostID string `json:"post_id" validate:"required"`
}

// UserDeletedMessage is the body of a security.user.deleted message.
type UserDeletedMessage struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

// GroupMemberRemovedMessage is the body of a security.group.member_removed message.
type GroupMemberRemovedMessage struct {
	UserID      int64  `json:"user_id" validate:"required,gt=0"`
	ContainerID string `json:"container_id" validate:"required"`
}

// ContainerDeletedMessage is the body of a container.deleted message.
type ContainerDeletedMessage struct {
	ContainerID string `json:"container_id" validate:"required"`
}

var validate = validator.New()

// decode parses and validates a message body. Every failure is unrecoverable.
func decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return NewUnrecoverableError("unable to parse message body: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			return NewUnrecoverableError("unable to validate message: %w", err)
		}
		msgs := make([]string, 0, len(ve))
		for _, fe := range ve {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fe.Field(), fe.Tag()))
		}
		return NewUnrecoverableError("invalid message: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// Handlers routes board events to the notifier components.
type Handlers struct {
	posts   PostRecorder
	members MemberLists
	bus     Publisher
	logger  *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(posts PostRecorder, members MemberLists, bus Publisher, logger *slog.Logger) *Handlers {
	return &Handlers{
		posts:   posts,
		members: members,
		bus:     bus,
		logger:  logger,
	}
}

// Routes returns a map from routing key to handler.
func (h *Handlers) Routes() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		KeyPostInserted:       h.handlePostInserted,
		KeyThreadSubscribe:    h.handleMembership(true),
		KeyThreadUnsubscribe:  h.handleMembership(false),
		KeyUserDeleted:        h.handleUserDeleted,
		KeyGroupMemberRemoved: h.handleGroupMemberRemoved,
		KeyContainerDeleted:   h.handleContainerDeleted,
	}
}

// eventID derives a stable id from the post so a redelivered message maps to the same event.
func eventID(postID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("announcements:post:"+postID)).String()
}

func (h *Handlers) handlePostInserted(ctx context.Context, d amqp.Delivery) error {
	var msg PostMessage
	if err := decode(d.Body, &msg); err != nil {
		return err
	}

	ev := &notifier.Event{
		ID:          msg.ID,
		ThreadID:    msg.ThreadID,
		PostID:      msg.PostID,
		ContainerID: msg.ContainerID,
		AuthorID:    notifier.UserID(msg.AuthorID),
		AuthorName:  msg.AuthorName,
		Title:       msg.Title,
		ThreadTitle: msg.ThreadTitle,
		Body:        msg.Body,
		Created:     msg.Created.UTC(),
	}
	if ev.ID == "" {
		ev.ID = eventID(msg.PostID)
	}
	if ev.ThreadTitle == "" && !ev.IsResponse() {
		ev.ThreadTitle = ev.Title
	}

	if err := h.posts.RecordPost(ctx, ev); err != nil {
		return NewRecoverableError("unable to record post %s: %w", ev.PostID, err)
	}

	h.logger.Info("Post queued for digest",
		"event_id", ev.ID,
		"post_id", ev.PostID,
		"thread_id", ev.ThreadID,
		"container_id", ev.ContainerID)
	return nil
}

func (h *Handlers) handleMembership(subscribe bool) HandlerFunc {
	return func(ctx context.Context, d amqp.Delivery) error {
		var msg MembershipMessage
		if err := decode(d.Body, &msg); err != nil {
			return err
		}

		user := notifier.UserID(msg.UserID)
		var err error
		if subscribe {
			err = h.members.Subscribe(ctx, user, msg.PostID)
		} else {
			err = h.members.Unsubscribe(ctx, user, msg.PostID)
		}

		switch {
		case err == nil:
			return nil
		case errors.Is(err, notifier.ErrPermissionDenied), errors.Is(err, members.ErrThreadNotFound):
			return NewUnrecoverableError("member list change for user %d on %s: %w", user, msg.PostID, err)
		default:
			return NewRecoverableError("member list change for user %d on %s: %w", user, msg.PostID, err)
		}
	}
}

func (h *Handlers) publish(ctx context.Context, ev lifecycle.Event) error {
	if err := h.bus.Publish(ctx, ev); err != nil {
		return NewRecoverableError("unable to handle %s: %w", ev.Kind, err)
	}
	return nil
}

func (h *Handlers) handleUserDeleted(ctx context.Context, d amqp.Delivery) error {
	var msg UserDeletedMessage
	if err := decode(d.Body, &msg); err != nil {
		return err
	}
	return h.publish(ctx, lifecycle.NewUserDeleted(notifier.UserID(msg.UserID)))
}

func (h *Handlers) handleGroupMemberRemoved(ctx context.Context, d amqp.Delivery) error {
	var msg GroupMemberRemovedMessage
	if err := decode(d.Body, &msg); err != nil {
		return err
	}
	return h.publish(ctx, lifecycle.NewGroupMemberRemoved(notifier.UserID(msg.UserID), msg.ContainerID))
}

func (h *Handlers) handleContainerDeleted(ctx context.Context, d amqp.Delivery) error {
	var msg ContainerDeletedMessage
	if err := decode(d.Body, &msg); err != nil {
		return err
	}
	return h.publish(ctx, lifecycle.NewContainerDeleted(msg.ContainerID))
}
