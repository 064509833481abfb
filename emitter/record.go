package emitter

import (
	"github.com/snapflowio/binlogcdc/message"
	"github.com/snapflowio/binlogcdc/position"
)

// MarkerKind tags records that carry progress instead of a change event. Markers travel
// through the acknowledgement window like events but are never handed to the consumer.
type MarkerKind string

const (
	MarkerCommit  MarkerKind = "commit"
	MarkerChunk   MarkerKind = "chunk"
	MarkerTable   MarkerKind = "table"
	MarkerPhase   MarkerKind = "phase"
	MarkerSkipped MarkerKind = "skipped"
)

type Record struct {
	Event    *message.ChangeEvent
	Payload  any
	Marker   MarkerKind
	Position position.Position
	Restart  position.Position
	seq      uint64
}

func NewEventRecord(ev *message.ChangeEvent) *Record {
	return &Record{Event: ev, Position: ev.Position, Restart: ev.Restart}
}

func NewMarker(kind MarkerKind, pos, restart position.Position, payload any) *Record {
	return &Record{Marker: kind, Position: pos, Restart: restart, Payload: payload}
}

func (r *Record) IsMarker() bool {
	return r.Marker != "" || r.Event == nil
}

// Seq is the emission order of the record, assigned when the emitter takes it.
func (r *Record) Seq() uint64 {
	return r.seq
}
