package members

import (
	"context"
	"fmt"
	"log/slog"

	"announcements-notifier/pkg/notifier"
)

// Guard checks read permission on the thread's container before mutating a member list.
type Guard struct {
	manager *Manager
	threads Threads
	auth    Authorizer
	logger  *slog.Logger
}

// NewGuard wraps manager with a permission check.
func NewGuard(manager *Manager, threads Threads, auth Authorizer, logger *slog.Logger) *Guard {
	return &Guard{
		manager: manager,
		threads: threads,
		auth:    auth,
		logger:  logger,
	}
}

func (g *Guard) authorize(ctx context.Context, user notifier.UserID, postID string) error {
	_, containerID, err := g.threads.RootOf(ctx, postID)
	if err != nil {
		return fmt.Errorf("post %s: %w", postID, err)
	}
	ok, err := g.auth.HasReadPermission(ctx, user, containerID)
	if err != nil {
		return notifier.Persistence("check read permission", err)
	}
	if !ok {
		g.logger.Warn("Member list change denied", "user_id", user, "post_id", postID, "container_id", containerID)
		return fmt.Errorf("user %d on %s: %w", user, containerID, notifier.ErrPermissionDenied)
	}
	return nil
}

// Subscribe adds user to the thread's member list if they can read it.
func (g *Guard) Subscribe(ctx context.Context, user notifier.UserID, postID string) error {
	if err := g.authorize(ctx, user, postID); err != nil {
		return err
	}
	return g.manager.Subscribe(ctx, user, postID)
}

// Unsubscribe removes user from the thread's member list if they can read it.
func (g *Guard) Unsubscribe(ctx context.Context, user notifier.UserID, postID string) error {
	if err := g.authorize(ctx, user, postID); err != nil {
		return err
	}
	return g.manager.Unsubscribe(ctx, user, postID)
}
