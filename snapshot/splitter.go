package snapshot

import (
	"context"
	"fmt"
	"sort"

	"github.com/snapflowio/binlogcdc/message"
)

// Splitter yields the chunks of one table lazily, in key order.
//
// Chunks completed by an earlier run are yielded again with Done set, and a new chunk never
// crosses the lower bound of the next completed one, so the union of old and new chunks is
// still a partition of the key space.
type Splitter struct {
	reader    Reader
	plan      Plan
	completed []*Chunk
	cursor    *message.Key
	size      int64
	next      int
	index     int
	finished  bool
}

func NewSplitter(reader Reader, plan Plan, size int64, completed []*Chunk) *Splitter {
	sorted := make([]*Chunk, len(completed))
	copy(sorted, completed)
	sort.SliceStable(sorted, func(i, j int) bool {
		return lowLess(sorted[i].Low, sorted[j].Low)
	})

	return &Splitter{
		reader:    reader,
		plan:      plan,
		completed: sorted,
		size:      size,
		cursor:    plan.Min,
	}
}

func (s *Splitter) Plan() Plan {
	return s.plan
}

// Next returns the next chunk or nil once the key space is covered.
func (s *Splitter) Next(ctx context.Context) (*Chunk, error) {
	if s.finished {
		return nil, nil
	}

	if !s.plan.Splittable() {
		return s.single(), nil
	}

	if s.next < len(s.completed) && s.completed[s.next].Low.Equal(s.cursor) {
		done := *s.completed[s.next]
		s.next++
		done.Done = true
		return s.yield(&done), nil
	}

	high, err := s.boundary(ctx)
	if err != nil {
		return nil, fmt.Errorf("chunk boundary %s after %s: %w", s.plan.Table, s.cursor, err)
	}

	if s.next < len(s.completed) {
		limit := s.completed[s.next].Low
		if high == nil || high.Compare(limit) > 0 {
			high = limit
		}
	}

	return s.yield(&Chunk{
		Table:     s.plan.Table,
		KeyColumn: s.plan.KeyColumn,
		Low:       s.cursor,
		High:      high,
	}), nil
}

func (s *Splitter) single() *Chunk {
	s.finished = true
	c := &Chunk{Table: s.plan.Table, KeyColumn: s.plan.KeyColumn}
	if len(s.completed) > 0 {
		c = s.completed[0]
		c.Done = true
	}
	return c
}

func (s *Splitter) yield(c *Chunk) *Chunk {
	c.Index = s.index
	s.index++
	if c.High == nil {
		s.finished = true
	} else {
		s.cursor = c.High
	}
	return c
}

// boundary returns the exclusive upper bound of the chunk starting at the cursor, nil for the
// last chunk.
func (s *Splitter) boundary(ctx context.Context) (*message.Key, error) {
	if s.plan.Min.Kind == message.KeyKindInt {
		return s.intBoundary(), nil
	}
	return s.reader.Boundary(ctx, s.plan.Table, s.plan.KeyColumn, s.cursor, s.size)
}

// intBoundary keeps chunks on the grid min + i*size even after a clamped chunk.
func (s *Splitter) intBoundary() *message.Key {
	min, cur := s.plan.Min.Int, s.cursor.Int
	high := min + ((cur-min)/s.size+1)*s.size
	if high < cur || s.plan.Max == nil || high > s.plan.Max.Int {
		return nil
	}
	return message.IntKey(high)
}

func lowLess(a, b *message.Key) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	return a.Compare(b) < 0
}
