package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"

	"announcements-notifier/lifecycle"
	"announcements-notifier/pkg/notifier"
)

// Directory answers user and read-permission questions from users and container_readers.
type Directory struct {
	db *sql.DB
}

// NewDirectory creates a directory.
func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

// Readers lists the users allowed to read containerID, ordered by id.
func (d *Directory) Readers(ctx context.Context, containerID string) ([]*notifier.User, error) {
	wrapMsg := fmt.Sprintf("unable to list the readers of `%s`", containerID)

	statement, args, err := psql.
		Select("u.id", "u.email", "u.display_name").
		From("users u").
		Join("container_readers r ON r.user_id = u.id").
		Where(sq.Eq{"r.container_id": containerID}).
		OrderBy("u.id").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	rows, err := d.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}
	defer rows.Close()

	var users []*notifier.User
	for rows.Next() {
		var u notifier.User
		if err := rows.Scan(&u.ID, &u.Email, &u.DisplayName); err != nil {
			return nil, errors.Wrap(err, wrapMsg)
		}
		users = append(users, &u)
	}
	return users, errors.Wrap(rows.Err(), wrapMsg)
}

// HasReadPermission reports whether user can read containerID.
func (d *Directory) HasReadPermission(ctx context.Context, user notifier.UserID, containerID string) (bool, error) {
	wrapMsg := fmt.Sprintf("unable to check read permission of user %d on `%s`", user, containerID)

	statement, args, err := psql.
		Select("1").From("container_readers").
		Where(sq.Eq{"container_id": containerID, "user_id": user}).
		ToSql()
	if err != nil {
		return false, errors.Wrap(err, wrapMsg)
	}

	var one int
	err = d.db.QueryRowContext(ctx, statement, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, wrapMsg)
	}
	return true, nil
}

// HandleLifecycle forgets deleted users and containers.
func (d *Directory) HandleLifecycle(ctx context.Context, ev lifecycle.Event) error {
	switch ev.Kind {
	case lifecycle.UserDeleted:
		_, err := exec(ctx, d.db, psql.Delete("users").Where(sq.Eq{"id": ev.UserID}),
			fmt.Sprintf("unable to delete user %d", ev.UserID))
		return err
	case lifecycle.ContainerDeleted:
		_, err := exec(ctx, d.db, psql.Delete("container_readers").Where(sq.Eq{"container_id": ev.ContainerID}),
			fmt.Sprintf("unable to delete the readers of `%s`", ev.ContainerID))
		return err
	}
	return nil
}
