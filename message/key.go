package message

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type KeyKind string

const (
	KeyKindInt    KeyKind = "int"
	KeyKindString KeyKind = "string"
)

// Key is a single-column primary key value. A nil *Key used as a range bound means unbounded.
type Key struct {
	Kind KeyKind `json:"kind"`
	Str  string  `json:"str,omitempty"`
	Int  int64   `json:"int,omitempty"`
}

func IntKey(v int64) *Key {
	return &Key{Kind: KeyKindInt, Int: v}
}

func StringKey(v string) *Key {
	return &Key{Kind: KeyKindString, Str: v}
}

// KeyOf converts a column value as returned by the SQL driver or the binlog decoder.
func KeyOf(v any) (*Key, bool) {
	switch val := v.(type) {
	case int:
		return IntKey(int64(val)), true
	case int8:
		return IntKey(int64(val)), true
	case int16:
		return IntKey(int64(val)), true
	case int32:
		return IntKey(int64(val)), true
	case int64:
		return IntKey(val), true
	case uint:
		return uintKey(uint64(val))
	case uint8:
		return IntKey(int64(val)), true
	case uint16:
		return IntKey(int64(val)), true
	case uint32:
		return IntKey(int64(val)), true
	case uint64:
		return uintKey(val)
	case string:
		return StringKey(val), true
	case []byte:
		return StringKey(string(val)), true
	default:
		return nil, false
	}
}

func uintKey(v uint64) (*Key, bool) {
	if v > math.MaxInt64 {
		return nil, false
	}
	return IntKey(int64(v)), true
}

// Value returns the key as a driver argument.
func (k *Key) Value() any {
	if k == nil {
		return nil
	}
	if k.Kind == KeyKindInt {
		return k.Int
	}
	return k.Str
}

func (k *Key) String() string {
	if k == nil {
		return "∞"
	}
	if k.Kind == KeyKindInt {
		return strconv.FormatInt(k.Int, 10)
	}
	return strconv.Quote(k.Str)
}

// Compare orders keys of the same kind. Integer keys sort before string keys.
func (k *Key) Compare(o *Key) int {
	if k.Kind != o.Kind {
		if k.Kind == KeyKindInt {
			return -1
		}
		return 1
	}

	if k.Kind == KeyKindInt {
		switch {
		case k.Int < o.Int:
			return -1
		case k.Int > o.Int:
			return 1
		default:
			return 0
		}
	}

	return strings.Compare(k.Str, o.Str)
}

func (k *Key) Equal(o *Key) bool {
	if k == nil || o == nil {
		return k == o
	}
	return k.Compare(o) == 0
}

// InRange reports whether low <= k < high, nil bounds being unbounded.
func (k *Key) InRange(low, high *Key) bool {
	if low != nil && k.Compare(low) < 0 {
		return false
	}
	if high != nil && k.Compare(high) >= 0 {
		return false
	}
	return true
}

func RangeString(low, high *Key) string {
	lo := "-∞"
	if low != nil {
		lo = low.String()
	}
	return fmt.Sprintf("[%s,%s)", lo, high.String())
}
