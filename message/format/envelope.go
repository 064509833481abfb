package format

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/snapflowio/binlogcdc/message"
)

// Op is the Debezium operation code of an envelope.
type Op string

const (
	OpRead   Op = "r"
	OpCreate Op = "c"
	OpUpdate Op = "u"
	OpDelete Op = "d"
	OpDDL    Op = "ddl"
)

const Connector = "mysql"

type Source struct {
	Connector string `json:"connector"`
	Name      string `json:"name"`
	DB        string `json:"db"`
	Table     string `json:"table"`
	File      string `json:"file"`
	GTID      string `json:"gtid,omitempty"`
	TsMs      int64  `json:"ts_ms"`
	Pos       uint32 `json:"pos"`
	Row       uint32 `json:"row"`
	Snapshot  bool   `json:"snapshot"`
}

// Envelope is the canonical serialized form of a change event handed to consumers.
type Envelope struct {
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	Op     Op             `json:"op"`
	DDL    string         `json:"ddl,omitempty"`
	Source Source         `json:"source"`
	TsMs   int64          `json:"ts_ms"`
}

func NewEnvelope(sourceName string, ev *message.ChangeEvent) (*Envelope, error) {
	op, err := opOf(ev)
	if err != nil {
		return nil, err
	}

	row := ev.Position.Seq
	if ev.Snapshot {
		row = ev.Row
	}

	return &Envelope{
		Before: normalizeImage(ev.Before),
		After:  normalizeImage(ev.After),
		Op:     op,
		DDL:    ev.DDL,
		Source: Source{
			Connector: Connector,
			Name:      sourceName,
			DB:        ev.Table.Schema,
			Table:     ev.Table.Name,
			File:      ev.Position.File,
			Pos:       ev.Position.Offset,
			Row:       row,
			GTID:      ev.GTID,
			TsMs:      ev.Timestamp.UnixMilli(),
			Snapshot:  ev.Snapshot,
		},
		TsMs: time.Now().UnixMilli(),
	}, nil
}

func opOf(ev *message.ChangeEvent) (Op, error) {
	switch ev.Operation {
	case message.OperationInsert:
		if ev.Snapshot {
			return OpRead, nil
		}
		return OpCreate, nil
	case message.OperationUpdate:
		return OpUpdate, nil
	case message.OperationDelete:
		return OpDelete, nil
	case message.OperationSchemaChange:
		return OpDDL, nil
	default:
		return "", fmt.Errorf("envelope: unknown operation %q", ev.Operation)
	}
}

// ID identifies the envelope by table and binlog position. Snapshot rows of one chunk read share
// a position and are told apart by their ordinal in the read.
func (e *Envelope) ID() string {
	return fmt.Sprintf("%s.%s@%s:%d#%d", e.Source.DB, e.Source.Table, e.Source.File, e.Source.Pos, e.Source.Row)
}

func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func normalizeImage(image map[string]any) map[string]any {
	if image == nil {
		return nil
	}

	out := make(map[string]any, len(image))
	for k, v := range image {
		// Convert []byte to string for better JSON compatibility
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		out[k] = v
	}

	return out
}
