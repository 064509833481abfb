package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/snapflowio/binlogcdc/binlog"
	"github.com/snapflowio/binlogcdc/config"
	"github.com/snapflowio/binlogcdc/internal/db"
	"github.com/snapflowio/binlogcdc/logger"
	"github.com/snapflowio/binlogcdc/message"
	"github.com/snapflowio/binlogcdc/position"
)

// RowsFunc receives a batch of rows together with the binlog position of the consistent read
// they belong to.
type RowsFunc func(read position.Position, rows []map[string]any) error

// Reader is the database side of the snapshot.
type Reader interface {
	Plan(ctx context.Context, table message.TableID) (Plan, error)
	Boundary(ctx context.Context, table message.TableID, column string, from *message.Key, offset int64) (*message.Key, error)
	ReadChunk(ctx context.Context, chunk *Chunk, batchSize int, fn RowsFunc) (position.Position, error)
	CurrentPosition(ctx context.Context) (position.Position, error)
}

type MySQLReader struct {
	db       *sql.DB
	lockMode config.LockMode
}

func NewMySQLReader(conn *sql.DB, lockMode config.LockMode) *MySQLReader {
	return &MySQLReader{db: conn, lockMode: lockMode}
}

func (r *MySQLReader) CurrentPosition(ctx context.Context) (position.Position, error) {
	return binlog.CurrentPosition(ctx, r.db)
}

func (r *MySQLReader) Plan(ctx context.Context, table message.TableID) (Plan, error) {
	plan := Plan{Table: table}

	pk, err := db.PrimaryKey(ctx, r.db, table)
	if err != nil {
		return plan, err
	}
	if len(pk) != 1 {
		logger.Info("[snapshot] table read as a single chunk", "table", table.String(), "keyColumns", len(pk))
		return plan, nil
	}

	kind, ok, err := r.keyKind(ctx, table, pk[0])
	if err != nil {
		return plan, err
	}
	if !ok {
		logger.Info("[snapshot] key type cannot be split, table read as a single chunk", "table", table.String(), "key", pk[0])
		return plan, nil
	}
	plan.KeyColumn = pk[0]

	col := db.QuoteIdentifier(pk[0])
	query := fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s", col, col, db.QuoteTable(table))

	var minVal, maxVal sql.NullString
	if err := r.db.QueryRowContext(ctx, query).Scan(&minVal, &maxVal); err != nil {
		return plan, fmt.Errorf("key bounds %s: %w", table, err)
	}

	if minVal.Valid {
		if plan.Min, err = parseKey(kind, minVal.String); err != nil {
			return plan, err
		}
	}
	if maxVal.Valid {
		if plan.Max, err = parseKey(kind, maxVal.String); err != nil {
			return plan, err
		}
	}

	return plan, nil
}

// keyKind accepts integer keys and character keys with a binary collation, whose order in the
// database matches byte order.
func (r *MySQLReader) keyKind(ctx context.Context, table message.TableID, column string) (message.KeyKind, bool, error) {
	var dataType string
	var collation sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT data_type, collation_name FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ? AND column_name = ?`,
		table.Schema, table.Name, column,
	).Scan(&dataType, &collation)
	if err != nil {
		return "", false, fmt.Errorf("key column %s.%s: %w", table, column, err)
	}

	if db.IsIntegerType(dataType) {
		// BIGINT UNSIGNED keys above MaxInt64 make Plan fail when they are parsed.
		return message.KeyKindInt, true, nil
	}

	switch strings.ToLower(dataType) {
	case "char", "varchar":
		if collation.Valid && strings.HasSuffix(strings.ToLower(collation.String), "_bin") {
			return message.KeyKindString, true, nil
		}
	case "binary", "varbinary":
		return message.KeyKindString, true, nil
	}

	return "", false, nil
}

func parseKey(kind message.KeyKind, s string) (*message.Key, error) {
	if kind == message.KeyKindString {
		return message.StringKey(s), nil
	}
	k, ok := message.KeyOf(db.Normalize("BIGINT", s))
	if !ok {
		return nil, fmt.Errorf("key %q does not fit a signed 64 bit integer", s)
	}
	return k, nil
}

func (r *MySQLReader) Boundary(ctx context.Context, table message.TableID, column string, from *message.Key, offset int64) (*message.Key, error) {
	col := db.QuoteIdentifier(column)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s >= ? ORDER BY %s LIMIT 1 OFFSET ?", col, db.QuoteTable(table), col, col)

	var val sql.NullString
	err := r.db.QueryRowContext(ctx, query, from.Value(), offset).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("boundary query: %w", err)
	}
	if !val.Valid {
		return nil, nil
	}

	return parseKey(from.Kind, val.String)
}

// ReadChunk reads the rows of a chunk inside a consistent snapshot and returns the binlog
// position the snapshot corresponds to.
//
// In global lock mode the position is read under FLUSH TABLES WITH READ LOCK, so it is exact.
// Without the lock it is read just before the snapshot starts and may be older than the
// snapshot, which only causes events to be delivered again, never lost.
func (r *MySQLReader) ReadChunk(ctx context.Context, chunk *Chunk, batchSize int, fn RowsFunc) (position.Position, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return position.Position{}, fmt.Errorf("snapshot connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SET SESSION TRANSACTION ISOLATION LEVEL REPEATABLE READ"); err != nil {
		return position.Position{}, fmt.Errorf("set isolation level: %w", err)
	}

	read, err := r.begin(ctx, conn)
	if err != nil {
		return position.Position{}, err
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
	}()

	query, args := chunkQuery(chunk)
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return position.Position{}, fmt.Errorf("chunk query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.ColumnTypes()
	if err != nil {
		return position.Position{}, fmt.Errorf("chunk columns: %w", err)
	}

	batch := make([]map[string]any, 0, batchSize)
	for rows.Next() {
		row, err := db.ScanRow(rows, columns)
		if err != nil {
			return position.Position{}, err
		}
		batch = append(batch, row)

		if len(batch) == batchSize {
			if err := fn(read, batch); err != nil {
				return position.Position{}, err
			}
			batch = make([]map[string]any, 0, batchSize)

			if err := ctx.Err(); err != nil {
				return position.Position{}, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return position.Position{}, fmt.Errorf("chunk rows: %w", err)
	}

	if len(batch) > 0 {
		if err := fn(read, batch); err != nil {
			return position.Position{}, err
		}
	}

	return read, nil
}

func (r *MySQLReader) begin(ctx context.Context, conn *sql.Conn) (position.Position, error) {
	if r.lockMode == config.LockModeNone {
		read, err := binlog.CurrentPosition(ctx, conn)
		if err != nil {
			return position.Position{}, err
		}
		if _, err := conn.ExecContext(ctx, "START TRANSACTION WITH CONSISTENT SNAPSHOT"); err != nil {
			return position.Position{}, fmt.Errorf("start consistent snapshot: %w", err)
		}
		return read, nil
	}

	if _, err := conn.ExecContext(ctx, "FLUSH TABLES WITH READ LOCK"); err != nil {
		return position.Position{}, fmt.Errorf("flush tables with read lock: %w", err)
	}

	unlock := func() {
		_, _ = conn.ExecContext(context.Background(), "UNLOCK TABLES")
	}

	if _, err := conn.ExecContext(ctx, "START TRANSACTION WITH CONSISTENT SNAPSHOT"); err != nil {
		unlock()
		return position.Position{}, fmt.Errorf("start consistent snapshot: %w", err)
	}

	read, err := binlog.CurrentPosition(ctx, conn)
	unlock()
	if err != nil {
		return position.Position{}, err
	}

	return read, nil
}

func chunkQuery(chunk *Chunk) (string, []any) {
	query := "SELECT * FROM " + db.QuoteTable(chunk.Table)
	if chunk.KeyColumn == "" {
		return query, nil
	}

	col := db.QuoteIdentifier(chunk.KeyColumn)
	var conds []string
	var args []any
	if chunk.Low != nil {
		conds = append(conds, col+" >= ?")
		args = append(args, chunk.Low.Value())
	}
	if chunk.High != nil {
		conds = append(conds, col+" < ?")
		args = append(args, chunk.High.Value())
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	return query + " ORDER BY " + col, args
}
