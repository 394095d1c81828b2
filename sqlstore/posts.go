package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"

	"announcements-notifier/lifecycle"
	"announcements-notifier/members"
	"announcements-notifier/pkg/notifier"
)

// Posts stores announcement posts and the pending notifications they produce.
type Posts struct {
	db *sql.DB
}

// NewPosts creates a post store.
func NewPosts(db *sql.DB) *Posts {
	return &Posts{db: db}
}

// RootOf maps a post to its thread root and container.
func (p *Posts) RootOf(ctx context.Context, postID string) (string, string, error) {
	wrapMsg := fmt.Sprintf("unable to find the thread of `%s`", postID)

	statement, args, err := psql.
		Select("COALESCE(parent, entity_id)", "container_id").From("announcements").
		Where(sq.Eq{"entity_id": postID}).
		ToSql()
	if err != nil {
		return "", "", errors.Wrap(err, wrapMsg)
	}

	var threadID, containerID string
	err = p.db.QueryRowContext(ctx, statement, args...).Scan(&threadID, &containerID)
	if err == sql.ErrNoRows {
		return "", "", members.ErrThreadNotFound
	}
	if err != nil {
		return "", "", errors.Wrap(err, wrapMsg)
	}
	return threadID, containerID, nil
}

// ThreadAuthors returns the creator of the root and of every response.
func (p *Posts) ThreadAuthors(ctx context.Context, threadID string) ([]notifier.UserID, error) {
	wrapMsg := fmt.Sprintf("unable to list the authors of `%s`", threadID)

	statement, args, err := psql.
		Select("DISTINCT created_by").From("announcements").
		Where(sq.Or{sq.Eq{"entity_id": threadID}, sq.Eq{"parent": threadID}}).
		OrderBy("created_by").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	ids, err := queryUserIDs(ctx, p.db, statement, args)
	return ids, errors.Wrap(err, wrapMsg)
}

// RecordPost stores the post and queues its notification in one transaction.
// Replaying the same event is a no-op.
func (p *Posts) RecordPost(ctx context.Context, ev *notifier.Event) error {
	wrapMsg := fmt.Sprintf("unable to record post `%s`", ev.PostID)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	defer func() { _ = tx.Rollback() }()

	var parent any
	if ev.IsResponse() {
		parent = ev.ThreadID
	}

	if _, err := exec(ctx, tx, psql.
		Insert("announcements").
		Columns("entity_id", "parent", "container_id", "created_by", "title", "created").
		Values(ev.PostID, parent, ev.ContainerID, ev.AuthorID, ev.Title, ev.Created).
		Suffix("ON CONFLICT DO NOTHING"),
		wrapMsg); err != nil {
		return err
	}

	if _, err := exec(ctx, tx, psql.
		Insert("pending_notifications").
		Columns("id", "thread_id", "post_id", "container_id", "author_id", "author_name", "title", "thread_title", "body", "created").
		Values(ev.ID, ev.ThreadID, ev.PostID, ev.ContainerID, ev.AuthorID, ev.AuthorName, ev.Title, ev.ThreadTitle, ev.Body, ev.Created).
		Suffix("ON CONFLICT DO NOTHING"),
		wrapMsg); err != nil {
		return err
	}

	return errors.Wrap(tx.Commit(), wrapMsg)
}

// PendingEvents returns the notifications queued in [start, end), ordered by post time.
// The window is cut on queued_at so a post that reaches the feed late still lands in a
// window that has not been delivered yet.
func (p *Posts) PendingEvents(ctx context.Context, start, end time.Time) ([]*notifier.Event, error) {
	wrapMsg := "unable to load pending notifications"

	statement, args, err := psql.
		Select("id", "thread_id", "post_id", "container_id", "author_id", "author_name", "title", "thread_title", "body", "created", "queued_at").
		From("pending_notifications").
		Where(sq.GtOrEq{"queued_at": start}).
		Where(sq.Lt{"queued_at": end}).
		OrderBy("created", "id").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	rows, err := p.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}
	defer rows.Close()

	var events []*notifier.Event
	for rows.Next() {
		var ev notifier.Event
		if err := rows.Scan(&ev.ID, &ev.ThreadID, &ev.PostID, &ev.ContainerID, &ev.AuthorID,
			&ev.AuthorName, &ev.Title, &ev.ThreadTitle, &ev.Body, &ev.Created, &ev.Queued); err != nil {
			return nil, errors.Wrap(err, wrapMsg)
		}
		events = append(events, &ev)
	}
	return events, errors.Wrap(rows.Err(), wrapMsg)
}

// DiscardBefore deletes notifications queued before the given time.
func (p *Posts) DiscardBefore(ctx context.Context, before time.Time) (int64, error) {
	return exec(ctx, p.db, psql.
		Delete("pending_notifications").
		Where(sq.Lt{"queued_at": before}),
		"unable to discard delivered notifications")
}

// HandleLifecycle drops the posts and pending notifications of a deleted container.
func (p *Posts) HandleLifecycle(ctx context.Context, ev lifecycle.Event) error {
	if ev.Kind != lifecycle.ContainerDeleted {
		return nil
	}
	wrapMsg := fmt.Sprintf("unable to purge the posts of `%s`", ev.ContainerID)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := exec(ctx, tx, psql.Delete("pending_notifications").Where(sq.Eq{"container_id": ev.ContainerID}), wrapMsg); err != nil {
		return err
	}
	if _, err := exec(ctx, tx, psql.Delete("announcements").Where(sq.Eq{"container_id": ev.ContainerID}), wrapMsg); err != nil {
		return err
	}

	return errors.Wrap(tx.Commit(), wrapMsg)
}
