// Package digest batches pending thread notifications into one daily email per recipient.
package digest

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"announcements-notifier/pkg/notifier"
)

// EventSource is the feed of pending notification events.
type EventSource interface {
	// PendingEvents returns events queued in [start, end).
	PendingEvents(ctx context.Context, start, end time.Time) ([]*notifier.Event, error)
	// ThreadAuthors returns everyone who posted to the thread.
	ThreadAuthors(ctx context.Context, threadID string) ([]notifier.UserID, error)
	// DiscardBefore drops events older than before; they have been delivered.
	DiscardBefore(ctx context.Context, before time.Time) (int64, error)
}

// Directory lists the users allowed to read a container.
type Directory interface {
	Readers(ctx context.Context, containerID string) ([]*notifier.User, error)
}

// Resolver returns a user's effective email option for a thread.
type Resolver interface {
	Resolve(ctx context.Context, user notifier.UserID, containerID, scopeID string) (notifier.Option, error)
}

// MemberLister returns a thread's explicit member list.
type MemberLister interface {
	MembersOf(ctx context.Context, threadID string) ([]notifier.UserID, error)
}

// StateStore persists the digest window.
type StateStore interface {
	// LoadState returns the stored state, or a fresh state with a zero WindowStart.
	LoadState(ctx context.Context, digestType string) (*notifier.DigestState, error)
	// SaveState stores st, failing if someone else saved since st was loaded.
	SaveState(ctx context.Context, st *notifier.DigestState) error
}

// Deliverer hands a digest to the mail system.
type Deliverer interface {
	Deliver(ctx context.Context, d *notifier.Digest) error
}

// Locker serializes runs across processes.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(context.Context) error, err error)
}

// Config wires a Batcher.
type Config struct {
	DigestType string
	Events     EventSource
	Directory  Directory
	Resolver   Resolver
	Members    MemberLister
	State      StateStore
	Deliverer  Deliverer
	Locker     Locker // Optional
	Logger     *slog.Logger
	Now        func() time.Time // Optional, defaults to time.Now
}

// Batcher runs the daily digest for one digest type.
type Batcher struct {
	mu         sync.Mutex
	digestType string
	events     EventSource
	directory  Directory
	resolver   Resolver
	members    MemberLister
	state      StateStore
	deliverer  Deliverer
	locker     Locker
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a batcher.
func New(cfg *Config) *Batcher {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Batcher{
		digestType: cfg.DigestType,
		events:     cfg.Events,
		directory:  cfg.Directory,
		resolver:   cfg.Resolver,
		members:    cfg.Members,
		state:      cfg.State,
		deliverer:  cfg.Deliverer,
		locker:     cfg.Locker,
		logger:     cfg.Logger,
		now:        now,
	}
}

// Name identifies the digest type.
func (b *Batcher) Name() string {
	return b.digestType
}

// RunDigest delivers every pending event up to windowEnd. The persisted window only
// advances once every recipient of the window has been served; recipients already served
// in an unfinished window are skipped when it is retried.
func (b *Batcher) RunDigest(ctx context.Context, windowEnd time.Time) (*notifier.RunResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.locker != nil {
		release, err := b.locker.Acquire(ctx, "digest:lock:"+b.digestType)
		if err != nil {
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				b.logger.Warn("Failed to release digest run lock", "digest_type", b.digestType, "error", err)
			}
		}()
	}

	runID := ulid.MustNew(ulid.Now(), rand.Reader).String()
	logger := b.logger.With("run_id", runID, "digest_type", b.digestType)

	st, err := b.state.LoadState(ctx, b.digestType)
	if err != nil {
		return nil, notifier.Persistence("load digest state", err)
	}

	res := &notifier.RunResult{
		RunID:       runID,
		DigestType:  b.digestType,
		WindowStart: st.WindowStart,
		WindowEnd:   st.WindowStart,
	}

	logger.Info("Digest run starting",
		"window_start", st.WindowStart.Format(time.RFC3339),
		"window_end", windowEnd.Format(time.RFC3339),
		"retrying", st.Attempt != nil)

	// Finish an earlier incomplete window before opening a new one.
	if st.Attempt != nil {
		done, err := b.processWindow(ctx, logger, st, st.Attempt.End, res)
		if err != nil || !done {
			return res, err
		}
	}

	if windowEnd.After(st.WindowStart) {
		if _, err := b.processWindow(ctx, logger, st, windowEnd, res); err != nil {
			return res, err
		}
	} else if st.Attempt == nil {
		res.Committed = true
		logger.Info("Digest window empty, nothing to do")
	}

	logger.Info("Digest run completed",
		"recipients_notified", res.RecipientsNotified,
		"events_processed", res.EventsProcessed,
		"failed", len(res.Failed),
		"committed", res.Committed,
		"window_end", res.WindowEnd.Format(time.RFC3339))

	return res, nil
}

// processWindow delivers [st.WindowStart, end). It reports whether the window was committed.
func (b *Batcher) processWindow(ctx context.Context, logger *slog.Logger, st *notifier.DigestState, end time.Time, res *notifier.RunResult) (bool, error) {
	start := st.WindowStart
	if st.Attempt == nil || !st.Attempt.End.Equal(end) {
		st.Attempt = &notifier.Attempt{End: end, StartedAt: b.now().UTC()}
	}
	res.Committed = false

	events, err := b.events.PendingEvents(ctx, start, end)
	if err != nil {
		return false, notifier.Persistence("load pending events", err)
	}
	res.EventsProcessed += len(events)

	digests, err := b.collect(ctx, events, start, end)
	if err != nil {
		return false, err
	}

	delivered := make(map[notifier.UserID]bool, len(st.Attempt.Delivered))
	for _, id := range st.Attempt.Delivered {
		delivered[id] = true
	}

	logger.Info("Digest window collected",
		"window_start", start.Format(time.RFC3339),
		"window_end", end.Format(time.RFC3339),
		"events", len(events),
		"recipients", len(digests),
		"already_delivered", len(delivered))

	var failed []notifier.UserID
	for _, d := range digests {
		id := d.Recipient.ID
		if delivered[id] {
			logger.Debug("Skipping recipient already served for this window", "user_id", id)
			continue
		}

		// Check for context cancellation
		if err := ctx.Err(); err != nil {
			logger.Info("Context cancelled, stopping digest delivery", "error", err)
			return false, err
		}

		err := b.deliverer.Deliver(ctx, d)
		switch {
		case errors.Is(err, notifier.ErrUndeliverable):
			// Retrying cannot help; treat the recipient as served.
			logger.Warn("Skipping undeliverable recipient", "user_id", id, "error", err)
		case err != nil:
			failure := &notifier.DeliveryFailure{Recipient: id, Err: err}
			logger.Warn("Digest delivery failed, will retry next run",
				"user_id", id,
				"entries", len(d.Entries),
				"error", failure)
			failed = append(failed, id)
			continue
		default:
			res.RecipientsNotified++
		}

		delivered[id] = true
		st.Attempt.Delivered = append(st.Attempt.Delivered, id)
		if err := b.save(ctx, st); err != nil {
			return false, err
		}
	}

	if len(failed) > 0 {
		res.Failed = append(res.Failed, failed...)
		if err := b.save(ctx, st); err != nil {
			return false, err
		}
		logger.Warn("Digest window incomplete, window not advanced",
			"window_start", start.Format(time.RFC3339),
			"window_end", end.Format(time.RFC3339),
			"failed", len(failed))
		return false, nil
	}

	st.WindowStart = end
	st.Attempt = nil
	if err := b.save(ctx, st); err != nil {
		return false, err
	}
	res.WindowEnd = end
	res.Committed = true

	n, err := b.events.DiscardBefore(ctx, end)
	if err != nil {
		logger.Warn("Failed to discard delivered events", "before", end.Format(time.RFC3339), "error", err)
	} else {
		logger.Debug("Discarded delivered events", "count", n)
	}

	return true, nil
}

func (b *Batcher) save(ctx context.Context, st *notifier.DigestState) error {
	st.UpdatedAt = b.now().UTC()
	if err := b.state.SaveState(ctx, st); err != nil {
		return notifier.Persistence("save digest state", err)
	}
	return nil
}

type resolveKey struct {
	user   notifier.UserID
	thread string
}

// runCache memoizes lookups for the duration of one run.
type runCache struct {
	readers  map[string][]*notifier.User
	members  map[string]map[notifier.UserID]bool
	authors  map[string]map[notifier.UserID]bool
	resolved map[resolveKey]notifier.Option
}

// collect groups matched (recipient, event) pairs into one digest per recipient.
func (b *Batcher) collect(ctx context.Context, events []*notifier.Event, start, end time.Time) ([]*notifier.Digest, error) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Created.Equal(events[j].Created) {
			return events[i].ID < events[j].ID
		}
		return events[i].Created.Before(events[j].Created)
	})

	cache := &runCache{
		readers:  make(map[string][]*notifier.User),
		members:  make(map[string]map[notifier.UserID]bool),
		authors:  make(map[string]map[notifier.UserID]bool),
		resolved: make(map[resolveKey]notifier.Option),
	}
	byRecipient := make(map[notifier.UserID]*notifier.Digest)

	for _, ev := range events {
		matched, err := b.recipients(ctx, cache, ev)
		if err != nil {
			return nil, err
		}
		for _, m := range matched {
			d, ok := byRecipient[m.user.ID]
			if !ok {
				d = &notifier.Digest{
					DigestType:  b.digestType,
					Recipient:   m.user,
					WindowStart: start,
					WindowEnd:   end,
				}
				byRecipient[m.user.ID] = d
			}
			d.Entries = append(d.Entries, &notifier.DigestEntry{Event: ev, Reason: m.reason})
		}
	}

	digests := make([]*notifier.Digest, 0, len(byRecipient))
	for _, d := range byRecipient {
		digests = append(digests, d)
	}
	sort.Slice(digests, func(i, j int) bool { return digests[i].Recipient.ID < digests[j].Recipient.ID })
	return digests, nil
}

type match struct {
	user   *notifier.User
	reason notifier.Reason
}

// recipients returns the digest-cadence users matching ev, each at most once.
func (b *Batcher) recipients(ctx context.Context, cache *runCache, ev *notifier.Event) ([]match, error) {
	readers, ok := cache.readers[ev.ContainerID]
	if !ok {
		var err error
		readers, err = b.directory.Readers(ctx, ev.ContainerID)
		if err != nil {
			return nil, notifier.Persistence("load container readers", err)
		}
		cache.readers[ev.ContainerID] = readers
	}

	members, ok := cache.members[ev.ThreadID]
	if !ok {
		ids, err := b.members.MembersOf(ctx, ev.ThreadID)
		if err != nil {
			return nil, notifier.Persistence("load member list", err)
		}
		members = toSet(ids)
		cache.members[ev.ThreadID] = members
	}

	authors, ok := cache.authors[ev.ThreadID]
	if !ok {
		ids, err := b.events.ThreadAuthors(ctx, ev.ThreadID)
		if err != nil {
			return nil, notifier.Persistence("load thread authors", err)
		}
		authors = toSet(ids)
		cache.authors[ev.ThreadID] = authors
	}

	seen := make(map[notifier.UserID]bool, len(readers))
	var out []match
	for _, u := range readers {
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true

		key := resolveKey{user: u.ID, thread: ev.ThreadID}
		opt, ok := cache.resolved[key]
		if !ok {
			var err error
			opt, err = b.resolver.Resolve(ctx, u.ID, ev.ContainerID, ev.ThreadID)
			if err != nil {
				return nil, err
			}
			cache.resolved[key] = opt
		}

		// Immediate subscribers were notified when the post was made.
		if !opt.Digest() {
			continue
		}

		switch {
		case members[u.ID]:
			out = append(out, match{user: u, reason: notifier.ReasonMemberList})
		case opt.Scope == notifier.ScopeAll:
			out = append(out, match{user: u, reason: notifier.ReasonSignedUp})
		case opt.Scope == notifier.ScopeMine && authors[u.ID]:
			out = append(out, match{user: u, reason: notifier.ReasonSignedUp})
		}
	}
	return out, nil
}

func toSet(ids []notifier.UserID) map[notifier.UserID]bool {
	set := make(map[notifier.UserID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
