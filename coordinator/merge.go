package coordinator

import (
	"github.com/snapflowio/binlogcdc/checkpoint"
	"github.com/snapflowio/binlogcdc/message"
	"github.com/snapflowio/binlogcdc/position"
)

// mergeFilter decides which streamed events between the low and the high watermark are
// already reflected in the snapshot.
//
// The snapshot image of a key is the one read by its chunk at position P. A streamed change of
// that key at or before P is part of the image and is dropped; a later one overrides it.
type mergeFilter struct {
	tables map[string]*tableChunks
	high   position.Position
}

type tableChunks struct {
	keyColumn string
	chunks    []*checkpoint.ChunkState
}

func newMergeFilter(cp *checkpoint.Checkpoint, extra map[string]*checkpoint.ChunkState) *mergeFilter {
	all := make(map[string]*checkpoint.ChunkState, len(cp.Chunks)+len(extra))
	for id, cs := range cp.Chunks {
		all[id] = cs
	}
	for id, cs := range extra {
		all[id] = cs
	}

	merged := checkpoint.New(cp.SourceID)
	merged.Chunks = all

	m := &mergeFilter{tables: make(map[string]*tableChunks, len(cp.Tables)), high: cp.HighWatermark}
	for name, tp := range cp.Tables {
		m.tables[name] = &tableChunks{keyColumn: tp.KeyColumn, chunks: merged.TableChunks(name)}
	}
	for _, cs := range all {
		m.high = position.Max(m.high, cs.Read)
	}

	return m
}

// suppress reports whether ev is already contained in the snapshot. An update is contained
// only when both its old and its new key are.
func (m *mergeFilter) suppress(ev *message.ChangeEvent) bool {
	if !ev.IsRowChange() {
		return false
	}

	tc, ok := m.tables[ev.Table.String()]
	if !ok {
		return false
	}

	for _, row := range []map[string]any{ev.Before, ev.After} {
		if row == nil {
			continue
		}
		c := tc.chunkOf(row)
		if c == nil || ev.Position.After(c.Read) {
			return false
		}
	}

	return true
}

func (t *tableChunks) chunkOf(row map[string]any) *checkpoint.ChunkState {
	if t.keyColumn == "" {
		if len(t.chunks) == 1 {
			return t.chunks[0]
		}
		return nil
	}

	key, ok := message.KeyOf(row[t.keyColumn])
	if !ok {
		return nil
	}

	for _, c := range t.chunks {
		if c.Contains(key) {
			return c
		}
	}

	return nil
}
