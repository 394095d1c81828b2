// Package members manages the explicit per-thread subscriber lists.
package members

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"announcements-notifier/lifecycle"
	"announcements-notifier/pkg/notifier"
)

// ErrThreadNotFound is returned when a post id does not map to a thread.
var ErrThreadNotFound = errors.New("thread not found")

// Store persists member rows. Insert and Delete are single-row and idempotent.
type Store interface {
	InsertMember(ctx context.Context, threadID string, user notifier.UserID) error
	DeleteMember(ctx context.Context, threadID string, user notifier.UserID) error
	HasMember(ctx context.Context, threadID string, user notifier.UserID) (bool, error)
	Members(ctx context.Context, threadID string) ([]notifier.UserID, error)
	DeleteUserMemberships(ctx context.Context, user notifier.UserID) error
	DeleteUserMembershipsInContainer(ctx context.Context, user notifier.UserID, containerID string) error
	PurgeContainer(ctx context.Context, containerID string) error
}

// Threads maps a post to the root message of its thread.
type Threads interface {
	// RootOf returns the root thread id and container of postID, or ErrThreadNotFound.
	RootOf(ctx context.Context, postID string) (threadID, containerID string, err error)
}

// Authorizer answers read-permission questions.
type Authorizer interface {
	HasReadPermission(ctx context.Context, user notifier.UserID, containerID string) (bool, error)
}

// Manager maintains member lists. It trusts its caller to have checked that the user can
// read the thread's container; use Guard when that has not happened yet.
type Manager struct {
	store   Store
	threads Threads
	auth    Authorizer
	logger  *slog.Logger
}

// New creates a member list manager. auth is only consulted for lifecycle handling.
func New(store Store, threads Threads, auth Authorizer, logger *slog.Logger) *Manager {
	return &Manager{
		store:   store,
		threads: threads,
		auth:    auth,
		logger:  logger,
	}
}

func (m *Manager) root(ctx context.Context, postID string) (string, error) {
	threadID, _, err := m.threads.RootOf(ctx, postID)
	if err != nil {
		if errors.Is(err, ErrThreadNotFound) {
			return "", fmt.Errorf("post %s: %w", postID, err)
		}
		return "", notifier.Persistence("resolve thread root", err)
	}
	return threadID, nil
}

// Subscribe adds user to the member list of the thread containing postID.
func (m *Manager) Subscribe(ctx context.Context, user notifier.UserID, postID string) error {
	threadID, err := m.root(ctx, postID)
	if err != nil {
		return err
	}
	if err := m.store.InsertMember(ctx, threadID, user); err != nil {
		return notifier.Persistence("insert member", err)
	}
	m.logger.Info("User added to member list", "user_id", user, "thread_id", threadID)
	return nil
}

// Unsubscribe removes user from the member list of the thread containing postID.
// Removing a non-member is not an error.
func (m *Manager) Unsubscribe(ctx context.Context, user notifier.UserID, postID string) error {
	threadID, err := m.root(ctx, postID)
	if err != nil {
		return err
	}
	if err := m.store.DeleteMember(ctx, threadID, user); err != nil {
		return notifier.Persistence("delete member", err)
	}
	m.logger.Info("User removed from member list", "user_id", user, "thread_id", threadID)
	return nil
}

// IsSubscribed reports whether user is on the member list of the thread containing postID.
func (m *Manager) IsSubscribed(ctx context.Context, user notifier.UserID, postID string) (bool, error) {
	threadID, err := m.root(ctx, postID)
	if err != nil {
		return false, err
	}
	ok, err := m.store.HasMember(ctx, threadID, user)
	if err != nil {
		return false, notifier.Persistence("check member", err)
	}
	return ok, nil
}

// MembersOf returns the members of the thread containing postID, sorted and unique.
func (m *Manager) MembersOf(ctx context.Context, postID string) ([]notifier.UserID, error) {
	threadID, err := m.root(ctx, postID)
	if err != nil {
		return nil, err
	}
	ids, err := m.store.Members(ctx, threadID)
	if err != nil {
		return nil, notifier.Persistence("list members", err)
	}
	return uniqueSorted(ids), nil
}

func uniqueSorted(ids []notifier.UserID) []notifier.UserID {
	seen := make(map[notifier.UserID]bool, len(ids))
	out := make([]notifier.UserID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HandleLifecycle keeps member lists consistent with user, group and container changes.
func (m *Manager) HandleLifecycle(ctx context.Context, ev lifecycle.Event) error {
	switch ev.Kind {
	case lifecycle.UserDeleted:
		if err := m.store.DeleteUserMemberships(ctx, ev.UserID); err != nil {
			return notifier.Persistence("delete user memberships", err)
		}
		m.logger.Info("Removed user from all member lists", "user_id", ev.UserID)

	case lifecycle.GroupMemberRemoved:
		ok, err := m.auth.HasReadPermission(ctx, ev.UserID, ev.ContainerID)
		if err != nil {
			return notifier.Persistence("check read permission", err)
		}
		if ok {
			// Still a reader through another group.
			return nil
		}
		if err := m.store.DeleteUserMembershipsInContainer(ctx, ev.UserID, ev.ContainerID); err != nil {
			return notifier.Persistence("delete container memberships", err)
		}
		m.logger.Info("Removed user from member lists after losing access",
			"user_id", ev.UserID,
			"container_id", ev.ContainerID)

	case lifecycle.ContainerDeleted:
		if err := m.store.PurgeContainer(ctx, ev.ContainerID); err != nil {
			return notifier.Persistence("purge container member lists", err)
		}
		m.logger.Info("Purged member lists for container", "container_id", ev.ContainerID)
	}
	return nil
}
