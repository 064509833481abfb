package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/snapflowio/binlogcdc/message"
)

type Column struct {
	Name     string
	Type     string
	Unsigned bool
}

// QuoteIdentifier quotes a MySQL identifier with backticks.
func QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func QuoteTable(t message.TableID) string {
	if t.Schema == "" {
		return QuoteIdentifier(t.Name)
	}
	return QuoteIdentifier(t.Schema) + "." + QuoteIdentifier(t.Name)
}

func TableExists(ctx context.Context, q Querier, t message.TableID) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = ? AND table_name = ?`,
		t.Schema, t.Name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("table exists %s: %w", t, err)
	}
	return n > 0, nil
}

// PrimaryKey returns the primary key columns of t in key order. A table without a primary key
// returns an empty slice.
func PrimaryKey(ctx context.Context, q Querier, t message.TableID) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT column_name FROM information_schema.key_column_usage
		WHERE table_schema = ? AND table_name = ? AND constraint_name = 'PRIMARY'
		ORDER BY ordinal_position`,
		t.Schema, t.Name,
	)
	if err != nil {
		return nil, fmt.Errorf("primary key %s: %w", t, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("primary key %s scan: %w", t, err)
		}
		cols = append(cols, col)
	}

	return cols, rows.Err()
}

// Columns returns the columns of t in ordinal order, which is the order of row images in the
// binlog.
func Columns(ctx context.Context, q Querier, t message.TableID) ([]Column, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT column_name, data_type, column_type FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`,
		t.Schema, t.Name,
	)
	if err != nil {
		return nil, fmt.Errorf("columns %s: %w", t, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var name, dataType, columnType string
		if err := rows.Scan(&name, &dataType, &columnType); err != nil {
			return nil, fmt.Errorf("columns %s scan: %w", t, err)
		}
		cols = append(cols, Column{
			Name:     name,
			Type:     strings.ToUpper(dataType),
			Unsigned: strings.Contains(strings.ToLower(columnType), "unsigned"),
		})
	}

	return cols, rows.Err()
}

// IsIntegerType reports whether a column data type is one of the MySQL integer types.
func IsIntegerType(dataType string) bool {
	switch strings.ToUpper(strings.TrimPrefix(strings.ToUpper(dataType), "UNSIGNED ")) {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT":
		return true
	default:
		return false
	}
}
