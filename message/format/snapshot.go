package format

import (
	"time"

	"github.com/snapflowio/binlogcdc/position"
)

type SnapshotEventType string

const (
	SnapshotEventTypeBegin SnapshotEventType = "BEGIN"
	SnapshotEventTypeEnd   SnapshotEventType = "END"
)

// Snapshot reports the start and the end of the snapshot of one table. Position is the binlog
// position the first chunk read started at for BEGIN and the highest chunk read position for END.
type Snapshot struct {
	ServerTime time.Time
	EventType  SnapshotEventType
	Table      string
	Schema     string
	Position   position.Position
	TotalRows  int64
	Chunks     int
}
