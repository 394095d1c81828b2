// Package lifecycle dispatches user, group and container lifecycle events to interested components.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"announcements-notifier/pkg/notifier"
)

// Kind is the closed set of lifecycle events.
type Kind int

// Lifecycle event kinds.
const (
	UserDeleted Kind = iota + 1
	GroupMemberRemoved
	ContainerDeleted
)

func (k Kind) String() string {
	switch k {
	case UserDeleted:
		return "user_deleted"
	case GroupMemberRemoved:
		return "group_member_removed"
	case ContainerDeleted:
		return "container_deleted"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event carries the fields relevant to its kind: UserID for UserDeleted, UserID and
// ContainerID for GroupMemberRemoved, ContainerID for ContainerDeleted.
type Event struct {
	Kind        Kind
	UserID      notifier.UserID
	ContainerID string
}

// NewUserDeleted builds a UserDeleted event.
func NewUserDeleted(user notifier.UserID) Event {
	return Event{Kind: UserDeleted, UserID: user}
}

// NewGroupMemberRemoved builds a GroupMemberRemoved event.
func NewGroupMemberRemoved(user notifier.UserID, containerID string) Event {
	return Event{Kind: GroupMemberRemoved, UserID: user, ContainerID: containerID}
}

// NewContainerDeleted builds a ContainerDeleted event.
func NewContainerDeleted(containerID string) Event {
	return Event{Kind: ContainerDeleted, ContainerID: containerID}
}

// Handler reacts to one event.
type Handler func(ctx context.Context, ev Event) error

// Bus dispatches events synchronously to the handlers registered for their kind.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
	logger   *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[Kind][]Handler),
		logger:   logger,
	}
}

// Register adds h for each of kinds. Handlers run in registration order.
func (b *Bus) Register(h Handler, kinds ...Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range kinds {
		b.handlers[k] = append(b.handlers[k], h)
	}
}

// Publish runs every handler registered for ev.Kind. A failing handler does not stop the
// others; all failures are returned joined.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	hs := b.handlers[ev.Kind]
	b.mu.RUnlock()

	if len(hs) == 0 {
		b.logger.Debug("No lifecycle handlers registered", "kind", ev.Kind.String())
		return nil
	}

	var errs []error
	for i, h := range hs {
		if err := h(ctx, ev); err != nil {
			b.logger.Warn("Lifecycle handler failed",
				"kind", ev.Kind.String(),
				"handler", i,
				"user_id", ev.UserID,
				"container_id", ev.ContainerID,
				"error", err)
			errs = append(errs, err)
		}
	}

	b.logger.Info("Lifecycle event dispatched",
		"kind", ev.Kind.String(),
		"handlers", len(hs),
		"failed", len(errs))

	return errors.Join(errs...)
}
