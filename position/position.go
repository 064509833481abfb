package position

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-mysql-org/go-mysql/mysql"
)

// Position is a totally ordered location in a MySQL binary log.
//
// Offset is the end offset of a binlog event, which is also the position at which the next
// event starts and the value reported by SHOW MASTER STATUS. Seq is the 1-based ordinal of a
// row inside a multi-row rows event and is zero for transaction boundaries.
type Position struct {
	File   string `json:"file"`
	Offset uint32 `json:"offset"`
	Seq    uint32 `json:"seq,omitempty"`
}

func New(file string, offset uint32) Position {
	return Position{File: file, Offset: offset}
}

func FromCoordinate(p mysql.Position) Position {
	return Position{File: p.Name, Offset: p.Pos}
}

// Coordinate returns the binlog coordinate a replication client has to request to read the
// event following p. Row ordinals are dropped.
func (p Position) Coordinate() mysql.Position {
	return mysql.Position{Name: p.File, Pos: p.Offset}
}

func (p Position) IsZero() bool {
	return p.File == "" && p.Offset == 0 && p.Seq == 0
}

// Boundary returns p without its row ordinal.
func (p Position) Boundary() Position {
	return Position{File: p.File, Offset: p.Offset}
}

func (p Position) WithSeq(seq uint32) Position {
	p.Seq = seq
	return p
}

func (p Position) String() string {
	if p.IsZero() {
		return "-"
	}
	if p.Seq == 0 {
		return fmt.Sprintf("%s:%d", p.File, p.Offset)
	}
	return fmt.Sprintf("%s:%d#%d", p.File, p.Offset, p.Seq)
}

func Parse(s string) (Position, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return Position{}, nil
	}

	idx := strings.LastIndexByte(s, ':')
	if idx <= 0 || idx == len(s)-1 {
		return Position{}, fmt.Errorf("position parse: invalid format: %s", s)
	}

	file, rest := s[:idx], s[idx+1:]

	var seq uint64
	if hash := strings.IndexByte(rest, '#'); hash >= 0 {
		var err error
		seq, err = strconv.ParseUint(rest[hash+1:], 10, 32)
		if err != nil {
			return Position{}, fmt.Errorf("position parse seq: %w", err)
		}
		rest = rest[:hash]
	}

	offset, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return Position{}, fmt.Errorf("position parse offset: %w", err)
	}

	return Position{File: file, Offset: uint32(offset), Seq: uint32(seq)}, nil
}

// Compare returns -1, 0 or 1. Files are ordered by their numeric extension so that
// mysql-bin.000010 sorts after mysql-bin.000009.
func (p Position) Compare(o Position) int {
	if c := compareFile(p.File, o.File); c != 0 {
		return c
	}

	switch {
	case p.Offset < o.Offset:
		return -1
	case p.Offset > o.Offset:
		return 1
	case p.Seq < o.Seq:
		return -1
	case p.Seq > o.Seq:
		return 1
	default:
		return 0
	}
}

func (p Position) Before(o Position) bool {
	return p.Compare(o) < 0
}

func (p Position) After(o Position) bool {
	return p.Compare(o) > 0
}

func Max(a, b Position) Position {
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}

func Min(a, b Position) Position {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	if a.Compare(b) <= 0 {
		return a
	}
	return b
}

func compareFile(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}

	baseA, seqA, okA := splitFile(a)
	baseB, seqB, okB := splitFile(b)
	if okA && okB && baseA == baseB {
		switch {
		case seqA < seqB:
			return -1
		case seqA > seqB:
			return 1
		default:
			return 0
		}
	}

	return strings.Compare(a, b)
}

func splitFile(name string) (string, uint64, bool) {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 || idx == len(name)-1 {
		return name, 0, false
	}

	seq, err := strconv.ParseUint(name[idx+1:], 10, 64)
	if err != nil {
		return name, 0, false
	}

	return name[:idx], seq, true
}
