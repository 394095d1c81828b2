package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"

	"announcements-notifier/pkg/notifier"
)

// Prefs stores email option codes in email_prefs and email_defaults.
type Prefs struct {
	db *sql.DB
}

// NewPrefs creates a preference store.
func NewPrefs(db *sql.DB) *Prefs {
	return &Prefs{db: db}
}

// UserOption returns the code user stored for scopeID.
func (p *Prefs) UserOption(ctx context.Context, user notifier.UserID, scopeID string) (int, bool, error) {
	wrapMsg := fmt.Sprintf("unable to look up the email option of user %d for `%s`", user, scopeID)

	statement, args, err := psql.
		Select("email_option_id").From("email_prefs").
		Where(sq.Eq{"user_id": user, "scope_id": scopeID}).
		ToSql()
	if err != nil {
		return 0, false, errors.Wrap(err, wrapMsg)
	}

	var code int
	err = p.db.QueryRowContext(ctx, statement, args...).Scan(&code)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, wrapMsg)
	}
	return code, true, nil
}

// SaveUserOption inserts or replaces the code user stored for scopeID.
func (p *Prefs) SaveUserOption(ctx context.Context, user notifier.UserID, containerID, scopeID string, code int) error {
	wrapMsg := fmt.Sprintf("unable to save the email option of user %d for `%s`", user, scopeID)

	_, err := exec(ctx, p.db, psql.
		Insert("email_prefs").
		Columns("user_id", "container_id", "scope_id", "email_option_id").
		Values(user, containerID, scopeID, code).
		Suffix("ON CONFLICT (user_id, scope_id) DO UPDATE SET email_option_id = EXCLUDED.email_option_id, container_id = EXCLUDED.container_id"),
		wrapMsg)
	return err
}

// DeleteUserOption removes the code user stored for scopeID, if any.
func (p *Prefs) DeleteUserOption(ctx context.Context, user notifier.UserID, scopeID string) error {
	wrapMsg := fmt.Sprintf("unable to delete the email option of user %d for `%s`", user, scopeID)

	_, err := exec(ctx, p.db, psql.
		Delete("email_prefs").
		Where(sq.Eq{"user_id": user, "scope_id": scopeID}),
		wrapMsg)
	return err
}

// DefaultOption returns the default code configured for containerID.
func (p *Prefs) DefaultOption(ctx context.Context, containerID string) (int, bool, error) {
	wrapMsg := fmt.Sprintf("unable to look up the default email option for `%s`", containerID)

	statement, args, err := psql.
		Select("email_option_id").From("email_defaults").
		Where(sq.Eq{"container_id": containerID}).
		ToSql()
	if err != nil {
		return 0, false, errors.Wrap(err, wrapMsg)
	}

	var code int
	err = p.db.QueryRowContext(ctx, statement, args...).Scan(&code)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, wrapMsg)
	}
	return code, true, nil
}

// SaveDefaultOption inserts or replaces the default code for containerID.
func (p *Prefs) SaveDefaultOption(ctx context.Context, containerID string, code int) error {
	wrapMsg := fmt.Sprintf("unable to save the default email option for `%s`", containerID)

	_, err := exec(ctx, p.db, psql.
		Insert("email_defaults").
		Columns("container_id", "email_option_id").
		Values(containerID, code).
		Suffix("ON CONFLICT (container_id) DO UPDATE SET email_option_id = EXCLUDED.email_option_id"),
		wrapMsg)
	return err
}

// DeleteUser removes every preference row of user.
func (p *Prefs) DeleteUser(ctx context.Context, user notifier.UserID) error {
	wrapMsg := fmt.Sprintf("unable to delete the email options of user %d", user)

	_, err := exec(ctx, p.db, psql.Delete("email_prefs").Where(sq.Eq{"user_id": user}), wrapMsg)
	return err
}

// PurgeContainer removes the preferences and default of a deleted container.
func (p *Prefs) PurgeContainer(ctx context.Context, containerID string) error {
	wrapMsg := fmt.Sprintf("unable to purge the email options of `%s`", containerID)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := exec(ctx, tx, psql.Delete("email_prefs").Where(sq.Eq{"container_id": containerID}), wrapMsg); err != nil {
		return err
	}
	if _, err := exec(ctx, tx, psql.Delete("email_defaults").Where(sq.Eq{"container_id": containerID}), wrapMsg); err != nil {
		return err
	}

	return errors.Wrap(tx.Commit(), wrapMsg)
}
