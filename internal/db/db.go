package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	_ "github.com/go-sql-driver/mysql"

	"github.com/snapflowio/binlogcdc/cdcerr"
	"github.com/snapflowio/binlogcdc/logger"
)

// Querier is the part of *sql.DB, *sql.Conn and *sql.Tx used for metadata queries.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Open connects with the mysql driver and pings with backoff until the server answers.
// Credential and unknown-database errors are not retried.
func Open(ctx context.Context, dsn string, maxOpen int) (*sql.DB, error) {
	conn, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, cdcerr.New(cdcerr.Config, "open mysql", err)
	}

	if maxOpen > 0 {
		conn.SetMaxOpenConns(maxOpen)
		conn.SetMaxIdleConns(maxOpen)
	}
	conn.SetConnMaxLifetime(30 * time.Minute)

	err = retry.Do(
		func() error {
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := conn.PingContext(pingCtx); err != nil {
				if cdcerr.IsConfig(err) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			return nil
		},
		retry.Attempts(5),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug("[db] ping retry", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		_ = conn.Close()
		kind := cdcerr.Transient
		if cdcerr.IsConfig(err) {
			kind = cdcerr.Config
		}
		return nil, cdcerr.New(kind, "connect mysql", err)
	}

	return conn, nil
}

// WithRetry runs fn until it succeeds, fails with a non-transient error or attempts run out.
func WithRetry(ctx context.Context, op string, attempts uint, fn func() error) error {
	err := retry.Do(
		fn,
		retry.Attempts(attempts),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(cdcerr.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug("[db] retry", "op", op, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Variable reads a global server variable, or "" when the server does not know it.
func Variable(ctx context.Context, q Querier, name string) (string, error) {
	var varName, value string
	err := q.QueryRowContext(ctx, "SHOW GLOBAL VARIABLES LIKE ?", name).Scan(&varName, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("show variable %s: %w", name, err)
	}
	return value, nil
}

func Version(ctx context.Context, q Querier) (string, error) {
	var version string
	if err := q.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
		return "", fmt.Errorf("server version: %w", err)
	}
	return version, nil
}
