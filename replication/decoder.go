package replication

import (
	"fmt"
	"strings"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/google/uuid"

	"github.com/snapflowio/binlogcdc/message"
)

// Decoder holds what differs between server flavors: how transactions are opened, how GTIDs
// look and which rows event types are written.
type Decoder interface {
	Flavor() string
	GTID(ev *replication.BinlogEvent) (string, bool)
	IsBegin(ev *replication.BinlogEvent) bool
	Operation(t replication.EventType) (message.Operation, bool)
}

func NewDecoder(flavor string) (Decoder, error) {
	switch strings.ToLower(flavor) {
	case "", "mysql":
		return mysqlDecoder{}, nil
	case "mariadb":
		return mariadbDecoder{}, nil
	default:
		return nil, fmt.Errorf("unknown flavor %q", flavor)
	}
}

type mysqlDecoder struct{}

func (mysqlDecoder) Flavor() string {
	return "mysql"
}

func (mysqlDecoder) GTID(ev *replication.BinlogEvent) (string, bool) {
	e, ok := ev.Event.(*replication.GTIDEvent)
	if !ok {
		return "", false
	}
	sid, err := uuid.FromBytes(e.SID)
	if err != nil {
		return fmt.Sprintf("%x:%d", e.SID, e.GNO), true
	}
	return fmt.Sprintf("%s:%d", sid.String(), e.GNO), true
}

func (mysqlDecoder) IsBegin(ev *replication.BinlogEvent) bool {
	return isBeginQuery(ev)
}

func (mysqlDecoder) Operation(t replication.EventType) (message.Operation, bool) {
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return message.OperationInsert, true
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2,
		replication.PARTIAL_UPDATE_ROWS_EVENT:
		return message.OperationUpdate, true
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return message.OperationDelete, true
	default:
		return "", false
	}
}

// MariaDB opens every transaction with a GTID event instead of a BEGIN query.
type mariadbDecoder struct{}

func (mariadbDecoder) Flavor() string {
	return "mariadb"
}

func (mariadbDecoder) GTID(ev *replication.BinlogEvent) (string, bool) {
	e, ok := ev.Event.(*replication.MariadbGTIDEvent)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%d-%d-%d", e.GTID.DomainID, e.GTID.ServerID, e.GTID.SequenceNumber), true
}

func (mariadbDecoder) IsBegin(ev *replication.BinlogEvent) bool {
	if _, ok := ev.Event.(*replication.MariadbGTIDEvent); ok {
		return true
	}
	return isBeginQuery(ev)
}

func (mariadbDecoder) Operation(t replication.EventType) (message.Operation, bool) {
	switch t {
	case replication.WRITE_ROWS_EVENTv1, replication.MARIADB_WRITE_ROWS_COMPRESSED_EVENT_V1:
		return message.OperationInsert, true
	case replication.UPDATE_ROWS_EVENTv1, replication.MARIADB_UPDATE_ROWS_COMPRESSED_EVENT_V1:
		return message.OperationUpdate, true
	case replication.DELETE_ROWS_EVENTv1, replication.MARIADB_DELETE_ROWS_COMPRESSED_EVENT_V1:
		return message.OperationDelete, true
	default:
		return "", false
	}
}

func isBeginQuery(ev *replication.BinlogEvent) bool {
	e, ok := ev.Event.(*replication.QueryEvent)
	return ok && strings.EqualFold(strings.TrimSpace(string(e.Query)), "BEGIN")
}
