package binlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/snapflowio/binlogcdc/cdcerr"
	"github.com/snapflowio/binlogcdc/internal/db"
	"github.com/snapflowio/binlogcdc/logger"
	"github.com/snapflowio/binlogcdc/position"
)

var (
	ErrBinlogDisabled  = errors.New("binary logging is disabled")
	ErrNoMasterStatus  = errors.New("server returned no binlog status")
	ErrNotRowFormat    = errors.New("binlog_format must be ROW")
	ErrNotFullRowImage = errors.New("binlog_row_image must be FULL")
)

const errParse = 1064

// Inspector reads binlog state through a regular SQL connection.
type Inspector struct {
	q db.Querier
}

func NewInspector(q db.Querier) *Inspector {
	return &Inspector{q: q}
}

// CurrentPosition returns the position the next binlog event will be written at.
func (i *Inspector) CurrentPosition(ctx context.Context) (position.Position, error) {
	return CurrentPosition(ctx, i.q)
}

// CurrentPosition works on any querier so that it can be called inside the transaction of a
// consistent snapshot read.
func CurrentPosition(ctx context.Context, q db.Querier) (position.Position, error) {
	rows, err := q.QueryContext(ctx, "SHOW MASTER STATUS")
	if err != nil {
		var myErr *mysql.MySQLError
		if !errors.As(err, &myErr) || myErr.Number != errParse {
			return position.Position{}, fmt.Errorf("show master status: %w", err)
		}
		// MySQL 8.4 removed SHOW MASTER STATUS.
		rows, err = q.QueryContext(ctx, "SHOW BINARY LOG STATUS")
		if err != nil {
			return position.Position{}, fmt.Errorf("show binary log status: %w", err)
		}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return position.Position{}, fmt.Errorf("binlog status columns: %w", err)
	}

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return position.Position{}, fmt.Errorf("binlog status: %w", err)
		}
		return position.Position{}, cdcerr.New(cdcerr.Config, "binlog status", ErrNoMasterStatus)
	}

	values := make([]sql.NullString, len(cols))
	ptrs := make([]any, len(cols))
	for idx := range values {
		ptrs[idx] = &values[idx]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return position.Position{}, fmt.Errorf("binlog status scan: %w", err)
	}

	var file, offset string
	for idx, col := range cols {
		switch strings.ToLower(col) {
		case "file":
			file = values[idx].String
		case "position":
			offset = values[idx].String
		}
	}

	pos, err := position.Parse(file + ":" + offset)
	if err != nil {
		return position.Position{}, fmt.Errorf("binlog status decode: %w", err)
	}

	return pos, nil
}

// Files lists the binlog files the server still retains, oldest first.
func (i *Inspector) Files(ctx context.Context) ([]File, error) {
	rows, err := i.q.QueryContext(ctx, "SHOW BINARY LOGS")
	if err != nil {
		return nil, fmt.Errorf("show binary logs: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("binary logs columns: %w", err)
	}

	var files []File
	for rows.Next() {
		values := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for idx := range values {
			ptrs[idx] = &values[idx]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("binary logs scan: %w", err)
		}

		var f File
		for idx, col := range cols {
			switch strings.ToLower(col) {
			case "log_name":
				f.Name = values[idx].String
			case "file_size":
				_, _ = fmt.Sscanf(values[idx].String, "%d", &f.Size)
			}
		}
		files = append(files, f)
	}

	return files, rows.Err()
}

// IsPurged reports whether the file of pos is no longer retained by the server.
func (i *Inspector) IsPurged(ctx context.Context, pos position.Position) (bool, error) {
	if pos.IsZero() {
		return false, nil
	}

	files, err := i.Files(ctx)
	if err != nil {
		return false, err
	}

	return isPurged(files, pos), nil
}

func isPurged(files []File, pos position.Position) bool {
	for _, f := range files {
		if f.Name == pos.File {
			return false
		}
	}
	return true
}

func (i *Inspector) Info(ctx context.Context) (*Info, error) {
	logBin, err := db.Variable(ctx, i.q, "log_bin")
	if err != nil {
		return nil, err
	}

	info := &Info{LogBin: strings.EqualFold(logBin, "ON") || logBin == "1"}
	if !info.LogBin {
		return info, nil
	}

	if info.Format, err = db.Variable(ctx, i.q, "binlog_format"); err != nil {
		return nil, err
	}
	if info.RowImage, err = db.Variable(ctx, i.q, "binlog_row_image"); err != nil {
		return nil, err
	}
	if info.GTIDExecuted, err = db.Variable(ctx, i.q, "gtid_executed"); err != nil {
		return nil, err
	}
	if info.Version, err = db.Version(ctx, i.q); err != nil {
		return nil, err
	}
	if info.Current, err = i.CurrentPosition(ctx); err != nil {
		return nil, err
	}
	if info.Files, err = i.Files(ctx); err != nil {
		return nil, err
	}

	return info, nil
}

// CheckPrerequisites verifies that the server writes row based binlogs with full images.
func (i *Inspector) CheckPrerequisites(ctx context.Context) (*Info, error) {
	info, err := i.Info(ctx)
	if err != nil {
		return nil, err
	}

	if err := checkInfo(info); err != nil {
		return info, cdcerr.New(cdcerr.Config, "binlog prerequisites", err)
	}

	logger.Debug("[binlog] prerequisites satisfied", "current", info.Current.String(), "files", len(info.Files), "version", info.Version)

	return info, nil
}

func checkInfo(info *Info) error {
	if !info.LogBin {
		return ErrBinlogDisabled
	}

	var err error
	if !strings.EqualFold(info.Format, "ROW") {
		err = errors.Join(err, fmt.Errorf("%w, got %s", ErrNotRowFormat, info.Format))
	}
	if info.RowImage != "" && !strings.EqualFold(info.RowImage, "FULL") {
		err = errors.Join(err, fmt.Errorf("%w, got %s", ErrNotFullRowImage, info.RowImage))
	}
	return err
}
