package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"announcements-notifier/pkg/notifier"
)

// Provider is a digest type that can be run for a window ending at windowEnd.
type Provider interface {
	Name() string
	RunDigest(ctx context.Context, windowEnd time.Time) (*notifier.RunResult, error)
}

// Registry holds the digest providers known to the process.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds p. Names must be unique.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.providers {
		if existing.Name() == p.Name() {
			return fmt.Errorf("digest provider %q already registered", p.Name())
		}
	}
	r.providers = append(r.providers, p)
	r.logger.Info("Digest provider registered", "digest_type", p.Name())
	return nil
}

// Providers returns the registered providers in registration order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// RunAll runs every provider in registration order. A failing provider does not stop the others.
func (r *Registry) RunAll(ctx context.Context, windowEnd time.Time) ([]*notifier.RunResult, error) {
	var (
		results []*notifier.RunResult
		errs    []error
	)
	for _, p := range r.Providers() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := p.RunDigest(ctx, windowEnd)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			r.logger.Error("Digest run failed", "digest_type", p.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return results, errors.Join(errs...)
}
