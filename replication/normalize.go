package replication

import (
	"math"
	"strings"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/shopspring/decimal"
)

// tableMeta caches what the row decoder needs from a table map event. Rows events only carry
// signed integers and enum or set ordinals.
type tableMeta struct {
	table    *replication.TableMapEvent
	unsigned map[int]bool
	enums    map[int][]string
	sets     map[int][]string
}

func newTableMeta(e *replication.TableMapEvent) *tableMeta {
	return &tableMeta{
		table:    e,
		unsigned: e.UnsignedMap(),
		enums:    e.EnumStrValueMap(),
		sets:     e.SetStrValueMap(),
	}
}

// normalizeRow rewrites decoded values in place so that they look like the values read by
// the snapshot: integers as int64 (uint64 above its range), decimals as strings, times in UTC.
func normalizeRow(data []any, meta *tableMeta) {
	for i, val := range data {
		if val == nil || i >= int(meta.table.ColumnCount) {
			continue
		}

		typ := realType(meta.table, i)

		switch typ {
		case mysql.MYSQL_TYPE_TINY, mysql.MYSQL_TYPE_SHORT, mysql.MYSQL_TYPE_INT24,
			mysql.MYSQL_TYPE_LONG, mysql.MYSQL_TYPE_LONGLONG:
			data[i] = normalizeInt(val, typ, meta.unsigned[i])
			continue

		case mysql.MYSQL_TYPE_FLOAT:
			if v, ok := val.(float32); ok {
				data[i] = float64(v)
			}
			continue

		case mysql.MYSQL_TYPE_ENUM:
			if v, ok := val.(int64); ok {
				data[i] = enumValue(meta.enums[i], v)
			}
			continue

		case mysql.MYSQL_TYPE_SET:
			if v, ok := val.(int64); ok {
				data[i] = setValue(meta.sets[i], v)
			}
			continue

		case mysql.MYSQL_TYPE_YEAR:
			if v, ok := val.(int); ok {
				data[i] = int64(v)
			}
			continue

		case mysql.MYSQL_TYPE_NEWDATE:
			if v, ok := val.(string); ok {
				if t, err := time.Parse("2006-01-02", v); err == nil {
					data[i] = t
				}
			}
			continue
		}

		switch v := val.(type) {
		case decimal.Decimal:
			data[i] = v.String()
		case time.Time:
			data[i] = v.UTC()
		case []byte:
			data[i] = string(v)
		}
	}
}

func normalizeInt(val any, typ byte, unsigned bool) any {
	var n int64
	switch v := val.(type) {
	case int8:
		if unsigned {
			return int64(uint8(v))
		}
		n = int64(v)
	case int16:
		if unsigned {
			return int64(uint16(v))
		}
		n = int64(v)
	case int32:
		if unsigned {
			if v < 0 && typ == mysql.MYSQL_TYPE_INT24 {
				return int64(16777215 + v + 1)
			}
			return int64(uint32(v))
		}
		n = int64(v)
	case int64:
		if unsigned && v < 0 {
			if u := uint64(v); u > math.MaxInt64 {
				return u
			}
		}
		n = v
	case int:
		n = int64(v)
	default:
		return val
	}
	return n
}

func enumValue(values []string, ordinal int64) any {
	if ordinal <= 0 || int(ordinal) > len(values) {
		return ""
	}
	return values[ordinal-1]
}

func setValue(values []string, bits int64) any {
	var picked []string
	for j := 0; j < len(values) && j < 64; j++ {
		if bits&(1<<uint(j)) != 0 {
			picked = append(picked, values[j])
		}
	}
	return strings.Join(picked, ",")
}

func realType(e *replication.TableMapEvent, i int) byte {
	typ := e.ColumnType[i]

	switch typ {
	case mysql.MYSQL_TYPE_STRING:
		if i < len(e.ColumnMeta) {
			rtyp := byte(e.ColumnMeta[i] >> 8)
			if rtyp == mysql.MYSQL_TYPE_ENUM || rtyp == mysql.MYSQL_TYPE_SET {
				return rtyp
			}
		}
	case mysql.MYSQL_TYPE_DATE:
		return mysql.MYSQL_TYPE_NEWDATE
	}

	return typ
}
