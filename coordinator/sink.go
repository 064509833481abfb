package coordinator

import (
	"context"
	"sync"

	"github.com/snapflowio/binlogcdc/checkpoint"
	"github.com/snapflowio/binlogcdc/emitter"
	"github.com/snapflowio/binlogcdc/message"
	"github.com/snapflowio/binlogcdc/message/format"
	"github.com/snapflowio/binlogcdc/position"
	"github.com/snapflowio/binlogcdc/snapshot"
)

type chunkDone struct {
	ID    string
	State checkpoint.ChunkState
}

// snapshotSink forwards snapshot output to the emitter. Chunk and table progress travel as
// markers so that the checkpoint only records a chunk after all of its rows were acknowledged.
type snapshotSink struct {
	out Pusher

	mu     sync.Mutex
	chunks map[string]*checkpoint.ChunkState
}

func newSnapshotSink(out Pusher) *snapshotSink {
	return &snapshotSink{out: out, chunks: make(map[string]*checkpoint.ChunkState)}
}

func (s *snapshotSink) Table(ctx context.Context, event *format.Snapshot) error {
	return s.out.Push(ctx, emitter.NewMarker(emitter.MarkerTable, event.Position, position.Position{}, event))
}

func (s *snapshotSink) Rows(ctx context.Context, _ *snapshot.Chunk, events []*message.ChangeEvent) error {
	for _, ev := range events {
		if err := s.out.Push(ctx, emitter.NewEventRecord(ev)); err != nil {
			return err
		}
	}
	return nil
}

func (s *snapshotSink) ChunkDone(ctx context.Context, chunk *snapshot.Chunk) error {
	state := checkpoint.ChunkState{
		Table: chunk.Table.String(),
		Low:   chunk.Low,
		High:  chunk.High,
		Read:  chunk.Read,
		Rows:  chunk.Rows,
	}

	s.mu.Lock()
	cs := state
	s.chunks[chunk.ID()] = &cs
	s.mu.Unlock()

	return s.out.Push(ctx, emitter.NewMarker(emitter.MarkerChunk, chunk.Read, position.Position{}, &chunkDone{ID: chunk.ID(), State: state}))
}

func (s *snapshotSink) completed() map[string]*checkpoint.ChunkState {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := make(map[string]*checkpoint.ChunkState, len(s.chunks))
	for id, cs := range s.chunks {
		res[id] = cs
	}
	return res
}
