package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"

	"announcements-notifier/pkg/notifier"
)

// threadsIn selects the root threads of a container.
const threadsIn = "thread_id IN (SELECT entity_id FROM announcements WHERE parent IS NULL AND container_id = ?)"

// Members stores thread member lists in member_list.
type Members struct {
	db *sql.DB
}

// NewMembers creates a member list store.
func NewMembers(db *sql.DB) *Members {
	return &Members{db: db}
}

// InsertMember adds a row; an existing row is left untouched.
func (m *Members) InsertMember(ctx context.Context, threadID string, user notifier.UserID) error {
	wrapMsg := fmt.Sprintf("unable to add user %d to the member list of `%s`", user, threadID)

	_, err := exec(ctx, m.db, psql.
		Insert("member_list").
		Columns("thread_id", "user_id").
		Values(threadID, user).
		Suffix("ON CONFLICT DO NOTHING"),
		wrapMsg)
	return err
}

// DeleteMember removes a row if present.
func (m *Members) DeleteMember(ctx context.Context, threadID string, user notifier.UserID) error {
	wrapMsg := fmt.Sprintf("unable to remove user %d from the member list of `%s`", user, threadID)

	_, err := exec(ctx, m.db, psql.
		Delete("member_list").
		Where(sq.Eq{"thread_id": threadID, "user_id": user}),
		wrapMsg)
	return err
}

// HasMember reports whether user is on the member list of threadID.
func (m *Members) HasMember(ctx context.Context, threadID string, user notifier.UserID) (bool, error) {
	wrapMsg := fmt.Sprintf("unable to check the member list of `%s`", threadID)

	statement, args, err := psql.
		Select("1").From("member_list").
		Where(sq.Eq{"thread_id": threadID, "user_id": user}).
		ToSql()
	if err != nil {
		return false, errors.Wrap(err, wrapMsg)
	}

	var one int
	err = m.db.QueryRowContext(ctx, statement, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, wrapMsg)
	}
	return true, nil
}

// Members lists the users on the member list of threadID.
func (m *Members) Members(ctx context.Context, threadID string) ([]notifier.UserID, error) {
	wrapMsg := fmt.Sprintf("unable to list the member list of `%s`", threadID)

	statement, args, err := psql.
		Select("user_id").From("member_list").
		Where(sq.Eq{"thread_id": threadID}).
		OrderBy("user_id").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	ids, err := queryUserIDs(ctx, m.db, statement, args)
	return ids, errors.Wrap(err, wrapMsg)
}

// DeleteUserMemberships removes user from every member list.
func (m *Members) DeleteUserMemberships(ctx context.Context, user notifier.UserID) error {
	wrapMsg := fmt.Sprintf("unable to remove user %d from all member lists", user)

	_, err := exec(ctx, m.db, psql.Delete("member_list").Where(sq.Eq{"user_id": user}), wrapMsg)
	return err
}

// DeleteUserMembershipsInContainer removes user from the member lists of threads in containerID.
func (m *Members) DeleteUserMembershipsInContainer(ctx context.Context, user notifier.UserID, containerID string) error {
	wrapMsg := fmt.Sprintf("unable to remove user %d from the member lists of `%s`", user, containerID)

	_, err := exec(ctx, m.db, psql.
		Delete("member_list").
		Where(sq.Eq{"user_id": user}).
		Where(sq.Expr(threadsIn, containerID)),
		wrapMsg)
	return err
}

// PurgeContainer removes every member list of threads in containerID. It must run before
// the container's posts are purged.
func (m *Members) PurgeContainer(ctx context.Context, containerID string) error {
	wrapMsg := fmt.Sprintf("unable to purge the member lists of `%s`", containerID)

	_, err := exec(ctx, m.db, psql.Delete("member_list").Where(sq.Expr(threadsIn, containerID)), wrapMsg)
	return err
}

func queryUserIDs(ctx context.Context, db *sql.DB, statement string, args []any) ([]notifier.UserID, error) {
	rows, err := db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []notifier.UserID
	for rows.Next() {
		var id notifier.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
