package db

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Normalize converts a value scanned by the mysql driver into the representation used in row
// images: integers as int64 or uint64, decimals as canonical strings, floats as float64,
// times in UTC and everything else as strings.
func Normalize(dataType string, v any) any {
	typ := strings.ToUpper(dataType)
	unsigned := strings.HasPrefix(typ, "UNSIGNED ")
	typ = strings.TrimPrefix(typ, "UNSIGNED ")

	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return normalizeText(typ, unsigned, string(val))
	case string:
		return normalizeText(typ, unsigned, val)
	case time.Time:
		return val.UTC()
	case decimal.Decimal:
		return val.String()
	case float32:
		return float64(val)
	default:
		return val
	}
}

func normalizeText(typ string, unsigned bool, s string) any {
	switch typ {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT", "YEAR":
		if unsigned {
			if n, err := strconv.ParseUint(s, 10, 64); err == nil {
				if n <= 1<<63-1 {
					return int64(n)
				}
				return n
			}
			return s
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	case "DECIMAL", "NUMERIC":
		if d, err := decimal.NewFromString(s); err == nil {
			return d.String()
		}
	case "FLOAT", "DOUBLE", "REAL":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}

// ScanRow reads the current row of rows as a column name to value map.
func ScanRow(rows *sql.Rows, columns []*sql.ColumnType) (map[string]any, error) {
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}

	row := make(map[string]any, len(columns))
	for i, col := range columns {
		row[col.Name()] = Normalize(col.DatabaseTypeName(), values[i])
	}

	return row, nil
}
