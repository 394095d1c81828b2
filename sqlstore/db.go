// Package sqlstore implements the relational stores on PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

//go:embed schema.sql
var schema string

// psql builds statements with PostgreSQL placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Open establishes a database connection and verifies that the database can be reached.
func Open(ctx context.Context, databaseURI string) (*sql.DB, error) {
	wrapMsg := "unable to initialize the database"

	db, err := sql.Open("postgres", databaseURI)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, wrapMsg)
	}

	return db, nil
}

// Migrate creates any missing tables.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return errors.Wrap(err, "unable to apply the database schema")
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func exec(ctx context.Context, db execer, b sq.Sqlizer, wrapMsg string) (int64, error) {
	statement, args, err := b.ToSql()
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}
	result, err := db.ExecContext(ctx, statement, args...)
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}
	return n, nil
}
