package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/snapflowio/binlogcdc/position"
)

type Operation string

const (
	OperationInsert       Operation = "insert"
	OperationUpdate       Operation = "update"
	OperationDelete       Operation = "delete"
	OperationSchemaChange Operation = "schema-change"
)

var ErrInvalidImages = errors.New("change event images do not match operation")

type TableID struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
}

func NewTableID(schema, name string) TableID {
	return TableID{Schema: schema, Name: name}
}

func (t TableID) String() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

func (t TableID) IsZero() bool {
	return t.Schema == "" && t.Name == ""
}

// ChangeEvent is a single row-level change or schema change of a captured table.
//
// Snapshot events are synthetic inserts produced by the snapshot engine; their Position is the
// binlog position of the consistent read they were taken from and is shared by every row of the
// same chunk, and Row tells them apart by their ordinal within that read. Restart is the binlog
// coordinate from which the event can be read again.
type ChangeEvent struct {
	Timestamp time.Time
	Before    map[string]any
	After     map[string]any
	Table     TableID
	Operation Operation
	DDL       string
	GTID      string
	Position  position.Position
	Restart   position.Position
	Snapshot  bool
	Row       uint32
}

func (e *ChangeEvent) Validate() error {
	switch e.Operation {
	case OperationInsert:
		if e.Before != nil || e.After == nil {
			return fmt.Errorf("%w: insert on %s must carry only the after image", ErrInvalidImages, e.Table)
		}
	case OperationUpdate:
		if e.Before == nil || e.After == nil {
			return fmt.Errorf("%w: update on %s must carry both images", ErrInvalidImages, e.Table)
		}
	case OperationDelete:
		if e.Before == nil || e.After != nil {
			return fmt.Errorf("%w: delete on %s must carry only the before image", ErrInvalidImages, e.Table)
		}
	case OperationSchemaChange:
		if e.Before != nil || e.After != nil {
			return fmt.Errorf("%w: schema change on %s must not carry row images", ErrInvalidImages, e.Table)
		}
		if e.DDL == "" {
			return fmt.Errorf("schema change on %s has no statement", e.Table)
		}
	default:
		return fmt.Errorf("unknown operation %q", e.Operation)
	}

	return nil
}

// Image returns the row image that identifies the row after the change: the after image
// for inserts and updates, the before image for deletes.
func (e *ChangeEvent) Image() map[string]any {
	if e.After != nil {
		return e.After
	}
	return e.Before
}

func (e *ChangeEvent) IsRowChange() bool {
	return e.Operation != OperationSchemaChange
}
