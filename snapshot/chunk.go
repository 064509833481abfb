package snapshot

import (
	"github.com/snapflowio/binlogcdc/message"
	"github.com/snapflowio/binlogcdc/position"
)

// Plan describes how a table is split. KeyColumn is empty when the table has no primary key,
// a composite one, or a key type that cannot be ordered outside the database; such tables are
// read as a single chunk.
type Plan struct {
	Table     message.TableID
	KeyColumn string
	Min       *message.Key
	Max       *message.Key
}

func (p Plan) Splittable() bool {
	return p.KeyColumn != "" && p.Min != nil
}

// Chunk is the key range [Low, High) of a table. A nil bound is unbounded.
type Chunk struct {
	Table     message.TableID
	KeyColumn string
	Low       *message.Key
	High      *message.Key
	Read      position.Position
	Index     int
	Rows      int64
	Done      bool
}

func ChunkID(table message.TableID, low, high *message.Key) string {
	return table.String() + message.RangeString(low, high)
}

func (c *Chunk) ID() string {
	return ChunkID(c.Table, c.Low, c.High)
}

func (c *Chunk) Contains(k *message.Key) bool {
	return k.InRange(c.Low, c.High)
}
