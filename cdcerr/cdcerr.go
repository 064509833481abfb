// Package cdcerr classifies failures of the capture pipeline.
//
// Only Transient errors are retried locally. Every other kind stops the pipeline and is
// reported to the operator together with the last known binlog position and the affected
// table or chunk.
package cdcerr

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-sql-driver/mysql"

	"github.com/snapflowio/binlogcdc/position"
)

type Kind string

const (
	// Transient failures (network blip, lock wait) are retried with backoff.
	Transient Kind = "transient"

	// Config failures (bad credentials, unknown table) are fatal at startup.
	Config Kind = "config"

	// DataLossRisk failures (purged binlog, schema change during snapshot) need a new snapshot.
	DataLossRisk Kind = "data_loss_risk"

	// Downstream failures are consumer rejections; the event is redelivered.
	Downstream Kind = "downstream"

	// Internal failures are everything else, such as an undecodable event or a checkpoint write
	// that failed. They stop the pipeline, and a restart resumes from the last checkpoint.
	Internal Kind = "internal"
)

type Error struct {
	Err      error
	Kind     Kind
	Op       string
	Table    string
	Chunk    string
	Position position.Position
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Table != "" {
		fmt.Fprintf(&b, " table=%s", e.Table)
	}
	if e.Chunk != "" {
		fmt.Fprintf(&b, " chunk=%s", e.Chunk)
	}
	if !e.Position.IsZero() {
		fmt.Fprintf(&b, " position=%s", e.Position)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) WithTable(table string) *Error {
	e.Table = table
	return e
}

func (e *Error) WithChunk(chunk string) *Error {
	e.Chunk = chunk
	return e
}

func (e *Error) WithPosition(pos position.Position) *Error {
	e.Position = pos
	return e
}

// KindOf returns the kind of the first *Error in err's chain. Unclassified errors are
// Transient or Config when IsTransient or IsConfig says so, and Internal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if IsTransient(err) {
		return Transient
	}
	if IsConfig(err) {
		return Config
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

const (
	errLockWaitTimeout     = 1205
	errLockDeadlock        = 1213
	errAccessDenied        = 1045
	errDBAccessDenied      = 1044
	errUnknownDatabase     = 1049
	errNoSuchTable         = 1146
	errServerShutdown      = 1053
	errTooManyConnections  = 1040
	errQueryInterrupted    = 1317
	errMasterFatalReadLog  = 1236
	errClientServerGone    = 2006
	errClientLostConnQuery = 2013
)

// IsTransient reports whether err is worth retrying: lost connections, lock waits, deadlocks
// and network timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind == Transient
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errLockWaitTimeout, errLockDeadlock, errServerShutdown, errTooManyConnections, errQueryInterrupted:
			return true
		}
		return false
	}

	var binlogErr *gomysql.MyError
	if errors.As(err, &binlogErr) {
		switch binlogErr.Code {
		case errLockWaitTimeout, errLockDeadlock, errServerShutdown, errTooManyConnections,
			errClientServerGone, errClientLostConnQuery:
			return true
		}
		return false
	}

	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return true
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if errors.Is(netErr.Err, syscall.ECONNREFUSED) ||
			errors.Is(netErr.Err, syscall.ECONNRESET) ||
			errors.Is(netErr.Err, syscall.EPIPE) {
			return true
		}
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "invalid connection")
}

// IsConfig reports Config errors and driver errors caused by configuration: bad credentials,
// unknown database or table.
func IsConfig(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == Config
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errAccessDenied, errDBAccessDenied, errUnknownDatabase, errNoSuchTable:
			return true
		}
	}
	return false
}

// IsPurged reports whether the server refused to serve the requested binlog coordinate,
// which happens when the file was purged.
func IsPurged(err error) bool {
	var binlogErr *gomysql.MyError
	if errors.As(err, &binlogErr) && binlogErr.Code == errMasterFatalReadLog {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "could not find first log file") ||
		strings.Contains(errStr, "purged binary logs")
}
