package replication

import (
	"context"
	"errors"
	"time"

	"github.com/snapflowio/binlogcdc/message"
	"github.com/snapflowio/binlogcdc/position"
)

var (
	ErrOutOfOrder     = errors.New("binlog position did not increase")
	ErrPositionPurged = errors.New("binlog position was purged from the server")
)

// Event is either a change of a captured table or, with Commit set, the end of a transaction.
//
// Restart is the binlog coordinate a reader has to start at to see this event again: the end
// of the previous transaction for changes, the event itself for commits.
type Event struct {
	Timestamp time.Time
	Change    *message.ChangeEvent
	Position  position.Position
	Restart   position.Position
	Commit    bool
}

// Handler is called for every event in position order. An error stops the stream.
type Handler func(ctx context.Context, ev *Event) error

// Resume tells a stream where to start. Events at or before After are read but not handed out,
// which lets a partially acknowledged transaction be read again from its start.
type Resume struct {
	Restart position.Position
	After   position.Position
}

func ResumeAt(pos position.Position) Resume {
	return Resume{Restart: pos, After: pos}
}

type Streamer interface {
	Stream(ctx context.Context, from Resume, handler Handler) error
	Position() position.Position
}

type Config struct {
	Flavor         string
	MaxReconnects  uint
	ReconnectDelay time.Duration
}
