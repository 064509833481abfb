package checkpoint

import (
	"sort"
	"time"

	"github.com/snapflowio/binlogcdc/message"
	"github.com/snapflowio/binlogcdc/position"
)

type Phase string

const (
	PhaseSnapshotting Phase = "snapshotting"
	PhaseStreaming    Phase = "streaming"
)

// TableProgress records how the key space of a table was split. Min and Max are read once,
// before the first chunk, so that chunk bounds stay stable across restarts.
type TableProgress struct {
	KeyColumn     string            `json:"keyColumn,omitempty"`
	Min           *message.Key      `json:"min,omitempty"`
	Max           *message.Key      `json:"max,omitempty"`
	LowWatermark  position.Position `json:"lowWatermark"`
	HighWatermark position.Position `json:"highWatermark"`
	Rows          int64             `json:"rows"`
	Done          bool              `json:"done"`
}

// ChunkState is a completed snapshot chunk: its key range and the binlog position its
// consistent read was taken at.
type ChunkState struct {
	Table string            `json:"table"`
	Low   *message.Key      `json:"low,omitempty"`
	High  *message.Key      `json:"high,omitempty"`
	Read  position.Position `json:"read"`
	Rows  int64             `json:"rows"`
}

func (c *ChunkState) Contains(k *message.Key) bool {
	return k.InRange(c.Low, c.High)
}

type Failure struct {
	At       time.Time         `json:"at"`
	Kind     string            `json:"kind"`
	Reason   string            `json:"reason"`
	Table    string            `json:"table,omitempty"`
	Chunk    string            `json:"chunk,omitempty"`
	Position position.Position `json:"position"`
}

// Checkpoint is the durable progress of one source.
//
// Position is the last acknowledged event and Restart the binlog coordinate the reader must
// start at to see the event after it. Restart precedes Position while a transaction was only
// partly acknowledged.
type Checkpoint struct {
	UpdatedAt     time.Time                 `json:"updatedAt"`
	Tables        map[string]*TableProgress `json:"tables"`
	Chunks        map[string]*ChunkState    `json:"chunks"`
	Failure       *Failure                  `json:"failure,omitempty"`
	SourceID      string                    `json:"sourceId"`
	Phase         Phase                     `json:"phase,omitempty"`
	Position      position.Position         `json:"position"`
	Restart       position.Position         `json:"restart"`
	LowWatermark  position.Position         `json:"lowWatermark"`
	HighWatermark position.Position         `json:"highWatermark"`
}

func New(sourceID string) *Checkpoint {
	return &Checkpoint{
		SourceID: sourceID,
		Tables:   make(map[string]*TableProgress),
		Chunks:   make(map[string]*ChunkState),
	}
}

// IsFresh reports whether nothing was ever recorded for the source.
func (c *Checkpoint) IsFresh() bool {
	return c.Phase == ""
}

func (c *Checkpoint) Clone() *Checkpoint {
	cp := *c
	cp.Tables = make(map[string]*TableProgress, len(c.Tables))
	for k, v := range c.Tables {
		tp := *v
		cp.Tables[k] = &tp
	}
	cp.Chunks = make(map[string]*ChunkState, len(c.Chunks))
	for k, v := range c.Chunks {
		cs := *v
		cp.Chunks[k] = &cs
	}
	if c.Failure != nil {
		f := *c.Failure
		cp.Failure = &f
	}
	return &cp
}

// TableChunks returns the completed chunks of a table ordered by their lower bound.
func (c *Checkpoint) TableChunks(table string) []*ChunkState {
	var res []*ChunkState
	for _, id := range sortedKeys(c.Chunks) {
		if cs := c.Chunks[id]; cs.Table == table {
			res = append(res, cs)
		}
	}

	sort.SliceStable(res, func(i, j int) bool {
		if res[i].Low == nil {
			return res[j].Low != nil
		}
		if res[j].Low == nil {
			return false
		}
		return res[i].Low.Compare(res[j].Low) < 0
	})

	return res
}

func (c *Checkpoint) normalize() {
	if c.Tables == nil {
		c.Tables = make(map[string]*TableProgress)
	}
	if c.Chunks == nil {
		c.Chunks = make(map[string]*ChunkState)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
