// Package prefs resolves a user's effective email option for a thread or container.
package prefs

import (
	"context"
	"fmt"
	"log/slog"

	"announcements-notifier/lifecycle"
	"announcements-notifier/pkg/notifier"
)

// Store holds stored option codes.
type Store interface {
	// UserOption returns the code stored for user under scopeID (a thread or container id).
	UserOption(ctx context.Context, user notifier.UserID, scopeID string) (code int, ok bool, err error)
	SaveUserOption(ctx context.Context, user notifier.UserID, containerID, scopeID string, code int) error
	DeleteUserOption(ctx context.Context, user notifier.UserID, scopeID string) error
	// DefaultOption returns the container's configured default code.
	DefaultOption(ctx context.Context, containerID string) (code int, ok bool, err error)
	SaveDefaultOption(ctx context.Context, containerID string, code int) error
	DeleteUser(ctx context.Context, user notifier.UserID) error
	PurgeContainer(ctx context.Context, containerID string) error
}

// Resolver walks thread -> container -> folder default.
type Resolver struct {
	store  Store
	logger *slog.Logger
}

// New creates a resolver.
func New(store Store, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger,
	}
}

// Resolve returns the effective option for user in containerID, for the thread (or the
// container itself) identified by scopeID. The first level that is set wins.
func (r *Resolver) Resolve(ctx context.Context, user notifier.UserID, containerID, scopeID string) (notifier.Option, error) {
	if opt, ok, err := r.userLevel(ctx, user, scopeID); err != nil || ok {
		return opt, err
	}

	if scopeID != containerID {
		if opt, ok, err := r.userLevel(ctx, user, containerID); err != nil || ok {
			return opt, err
		}
	}

	return r.DefaultOption(ctx, containerID)
}

func (r *Resolver) userLevel(ctx context.Context, user notifier.UserID, scopeID string) (notifier.Option, bool, error) {
	code, ok, err := r.store.UserOption(ctx, user, scopeID)
	if err != nil {
		return notifier.Option{}, false, notifier.Persistence("load email preference", err)
	}
	if !ok || code == notifier.NotSet {
		return notifier.Option{}, false, nil
	}
	opt, err := notifier.Decode(code)
	if err != nil {
		r.logger.Error("Stored email preference is invalid", "user_id", user, "scope_id", scopeID, "code", code)
		return notifier.Option{}, false, fmt.Errorf("user %d preference for %s: %w", user, scopeID, err)
	}
	return opt, true, nil
}

// DefaultOption returns the container's default, or the global default when none is configured.
func (r *Resolver) DefaultOption(ctx context.Context, containerID string) (notifier.Option, error) {
	code, ok, err := r.store.DefaultOption(ctx, containerID)
	if err != nil {
		return notifier.Option{}, notifier.Persistence("load default email option", err)
	}
	if !ok || code == notifier.NotSet {
		return notifier.DefaultOption, nil
	}
	opt, err := notifier.Decode(code)
	if err != nil {
		r.logger.Error("Stored default email option is invalid", "container_id", containerID, "code", code)
		return notifier.Option{}, fmt.Errorf("default option for %s: %w", containerID, err)
	}
	return opt, nil
}

// SetUserOption stores code for user under scopeID, a thread in containerID or the container
// itself. NotSet removes the row so the next level applies.
func (r *Resolver) SetUserOption(ctx context.Context, user notifier.UserID, containerID, scopeID string, code int) error {
	if code == notifier.NotSet {
		if err := r.store.DeleteUserOption(ctx, user, scopeID); err != nil {
			return notifier.Persistence("delete email preference", err)
		}
		r.logger.Info("Email preference reset to default", "user_id", user, "scope_id", scopeID)
		return nil
	}

	opt, err := notifier.Decode(code)
	if err != nil {
		return err
	}
	if err := r.store.SaveUserOption(ctx, user, containerID, scopeID, opt.Code()); err != nil {
		return notifier.Persistence("save email preference", err)
	}
	r.logger.Info("Email preference saved", "user_id", user, "scope_id", scopeID, "option", opt.String())
	return nil
}

// SetDefaultOption stores the container default.
func (r *Resolver) SetDefaultOption(ctx context.Context, containerID string, opt notifier.Option) error {
	code, err := notifier.Encode(opt.Scope, opt.Cadence)
	if err != nil {
		return err
	}
	if err := r.store.SaveDefaultOption(ctx, containerID, code); err != nil {
		return notifier.Persistence("save default email option", err)
	}
	r.logger.Info("Default email option saved", "container_id", containerID, "option", opt.String())
	return nil
}

// HandleLifecycle drops preferences that belong to deleted users or containers.
func (r *Resolver) HandleLifecycle(ctx context.Context, ev lifecycle.Event) error {
	switch ev.Kind {
	case lifecycle.UserDeleted:
		if err := r.store.DeleteUser(ctx, ev.UserID); err != nil {
			return notifier.Persistence("delete user preferences", err)
		}
		r.logger.Info("Deleted email preferences for user", "user_id", ev.UserID)
	case lifecycle.ContainerDeleted:
		if err := r.store.PurgeContainer(ctx, ev.ContainerID); err != nil {
			return notifier.Persistence("purge container preferences", err)
		}
		r.logger.Info("Purged email preferences for container", "container_id", ev.ContainerID)
	}
	return nil
}
