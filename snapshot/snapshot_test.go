package snapshot

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapflowio/binlogcdc/cdcerr"
	"github.com/snapflowio/binlogcdc/message"
	"github.com/snapflowio/binlogcdc/message/format"
	"github.com/snapflowio/binlogcdc/position"
)

var orders = message.NewTableID("shop", "orders")

// memoryReader serves an integer keyed table and a string keyed one from memory.
type memoryReader struct {
	mu       sync.Mutex
	ids      []int64
	names    []string
	failures map[string]error
	reads    map[string]int
	offset   uint32
}

func newMemoryReader(n int) *memoryReader {
	r := &memoryReader{failures: make(map[string]error), reads: make(map[string]int), offset: 100}
	for i := 1; i <= n; i++ {
		r.ids = append(r.ids, int64(i))
	}
	return r
}

func (r *memoryReader) Plan(_ context.Context, table message.TableID) (Plan, error) {
	return Plan{Table: table, KeyColumn: "id", Min: message.IntKey(r.ids[0]), Max: message.IntKey(r.ids[len(r.ids)-1])}, nil
}

func (r *memoryReader) Boundary(_ context.Context, _ message.TableID, _ string, from *message.Key, offset int64) (*message.Key, error) {
	i := sort.SearchStrings(r.names, from.Str) + int(offset)
	if i >= len(r.names) {
		return nil, nil
	}
	return message.StringKey(r.names[i]), nil
}

func (r *memoryReader) ReadChunk(_ context.Context, chunk *Chunk, batchSize int, fn RowsFunc) (position.Position, error) {
	r.mu.Lock()
	r.reads[chunk.ID()]++
	err := r.failures[chunk.ID()]
	delete(r.failures, chunk.ID())
	r.offset += 100
	read := position.New("mysql-bin.000001", r.offset)
	r.mu.Unlock()

	var batch []map[string]any
	for _, id := range r.ids {
		if !chunk.Contains(message.IntKey(id)) {
			continue
		}
		batch = append(batch, map[string]any{"id": id})
		if len(batch) == batchSize {
			if err := fn(read, batch); err != nil {
				return read, err
			}
			batch = nil
			// Injected failures hit after the first batch, like a connection dropped mid-read.
			if err != nil {
				return read, err
			}
		}
	}
	if err != nil {
		return read, err
	}
	if len(batch) > 0 {
		if err := fn(read, batch); err != nil {
			return read, err
		}
	}

	return read, nil
}

func (r *memoryReader) CurrentPosition(_ context.Context) (position.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return position.New("mysql-bin.000001", r.offset), nil
}

type recordingSink struct {
	mu     sync.Mutex
	tables []*format.Snapshot
	rows   map[int64]int
	// ordinal of the latest delivery of each row
	ordinals map[int64]uint32
	done     []*Chunk
}

func newRecordingSink() *recordingSink {
	return &recordingSink{rows: make(map[int64]int), ordinals: make(map[int64]uint32)}
}

func (s *recordingSink) Table(_ context.Context, ev *format.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = append(s.tables, ev)
	return nil
}

func (s *recordingSink) Rows(_ context.Context, _ *Chunk, events []*message.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		id := ev.After["id"].(int64)
		s.rows[id]++
		s.ordinals[id] = ev.Row
	}
	return nil
}

func (s *recordingSink) ChunkDone(_ context.Context, c *Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = append(s.done, c)
	return nil
}

func drain(t *testing.T, sp *Splitter) []*Chunk {
	t.Helper()

	var chunks []*Chunk
	for {
		c, err := sp.Next(context.Background())
		require.NoError(t, err)
		if c == nil {
			return chunks
		}
		chunks = append(chunks, c)
	}
}

func bounds(chunks []*Chunk) []string {
	res := make([]string, len(chunks))
	for i, c := range chunks {
		res[i] = message.RangeString(c.Low, c.High)
	}
	return res
}

func TestSplitterPartitionsIntegerKeys(t *testing.T) {
	r := newMemoryReader(250)
	plan, err := r.Plan(context.Background(), orders)
	require.NoError(t, err)

	chunks := drain(t, NewSplitter(r, plan, 100, nil))

	assert.Equal(t, []string{"[1,101)", "[101,201)", "[201,∞)"}, bounds(chunks))
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.False(t, c.Done)
	}
}

func TestSplitterResumesAroundCompletedChunks(t *testing.T) {
	r := newMemoryReader(250)
	plan, err := r.Plan(context.Background(), orders)
	require.NoError(t, err)

	completed := []*Chunk{{Table: orders, KeyColumn: "id", Low: message.IntKey(101), High: message.IntKey(201), Rows: 100}}

	// A different chunk size than the first run must not overlap the completed range.
	chunks := drain(t, NewSplitter(r, plan, 150, completed))

	assert.Equal(t, []string{"[1,101)", "[101,201)", "[201,∞)"}, bounds(chunks))
	assert.False(t, chunks[0].Done)
	assert.True(t, chunks[1].Done)
	assert.False(t, chunks[2].Done)
}

func TestSplitterSingleChunkForUnsplittableTable(t *testing.T) {
	plan := Plan{Table: orders}

	chunks := drain(t, NewSplitter(nil, plan, 100, nil))
	require.Len(t, chunks, 1)
	assert.Nil(t, chunks[0].Low)
	assert.Nil(t, chunks[0].High)
	assert.Equal(t, "shop.orders[-∞,∞)", chunks[0].ID())

	chunks = drain(t, NewSplitter(nil, plan, 100, []*Chunk{{Table: orders}}))
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Done)
}

func TestSplitterStringKeysUseServerBoundaries(t *testing.T) {
	r := &memoryReader{names: []string{"a", "b", "c", "d", "e"}}
	plan := Plan{Table: orders, KeyColumn: "code", Min: message.StringKey("a"), Max: message.StringKey("e")}

	chunks := drain(t, NewSplitter(r, plan, 2, nil))

	assert.Equal(t, []string{`["a","c")`, `["c","e")`, `["e",∞)`}, bounds(chunks))
}

func TestRunDeliversEveryRowOnce(t *testing.T) {
	r := newMemoryReader(250)
	s := New(r, Config{ChunkSize: 100, Parallelism: 3, BatchSize: 40})
	plan, err := r.Plan(context.Background(), orders)
	require.NoError(t, err)

	sink := newRecordingSink()
	require.NoError(t, s.Run(context.Background(), []*Splitter{s.Splitter(plan, nil)}, sink))

	require.Len(t, sink.rows, 250)
	for id, n := range sink.rows {
		assert.Equal(t, 1, n, "row %d", id)
	}

	require.Len(t, sink.done, 3)
	var total int64
	for _, c := range sink.done {
		total += c.Rows
		assert.False(t, c.Read.IsZero())
	}
	assert.Equal(t, int64(250), total)

	require.Len(t, sink.tables, 2)
	assert.Equal(t, format.SnapshotEventTypeBegin, sink.tables[0].EventType)
	end := sink.tables[1]
	assert.Equal(t, format.SnapshotEventTypeEnd, end.EventType)
	assert.Equal(t, int64(250), end.TotalRows)
	assert.Equal(t, 3, end.Chunks)
	for _, c := range sink.done {
		assert.False(t, c.Read.After(end.Position))
	}
}

func TestRunSkipsCompletedChunks(t *testing.T) {
	r := newMemoryReader(250)
	s := New(r, Config{ChunkSize: 100, Parallelism: 2})
	plan, err := r.Plan(context.Background(), orders)
	require.NoError(t, err)

	completed := []*Chunk{{Table: orders, KeyColumn: "id", Low: message.IntKey(1), High: message.IntKey(101), Rows: 100, Read: position.New("mysql-bin.000001", 50)}}
	sink := newRecordingSink()
	require.NoError(t, s.Run(context.Background(), []*Splitter{s.Splitter(plan, completed)}, sink))

	assert.Len(t, sink.rows, 150)
	assert.NotContains(t, sink.rows, int64(1))
	assert.Len(t, sink.done, 2)
	assert.Equal(t, int64(250), sink.tables[len(sink.tables)-1].TotalRows)
}

func TestRunRetriesTransientChunkFailures(t *testing.T) {
	r := newMemoryReader(250)
	r.failures[ChunkID(orders, message.IntKey(101), message.IntKey(201))] = io.ErrUnexpectedEOF
	s := New(r, Config{ChunkSize: 100, Parallelism: 1, BatchSize: 30, MaxRetries: 2, RetryDelay: 1})
	plan, err := r.Plan(context.Background(), orders)
	require.NoError(t, err)

	sink := newRecordingSink()
	require.NoError(t, s.Run(context.Background(), []*Splitter{s.Splitter(plan, nil)}, sink))

	assert.Equal(t, 2, r.reads[ChunkID(orders, message.IntKey(101), message.IntKey(201))])
	for _, c := range sink.done {
		if c.Low.Equal(message.IntKey(101)) {
			assert.Equal(t, int64(100), c.Rows)
		}
	}
	assert.Len(t, sink.rows, 250)

	// The second read numbers its rows from zero again.
	assert.Equal(t, uint32(0), sink.ordinals[101])
	assert.Equal(t, uint32(99), sink.ordinals[200])
}

func TestRunNumbersRowsWithinChunkRead(t *testing.T) {
	r := newMemoryReader(250)
	s := New(r, Config{ChunkSize: 100, Parallelism: 2, BatchSize: 30})
	plan, err := r.Plan(context.Background(), orders)
	require.NoError(t, err)

	sink := newRecordingSink()
	require.NoError(t, s.Run(context.Background(), []*Splitter{s.Splitter(plan, nil)}, sink))

	for id, ordinal := range sink.ordinals {
		assert.Equal(t, uint32((id-1)%100), ordinal, "row %d", id)
	}
}

func TestRunStopsOnPermanentFailure(t *testing.T) {
	r := newMemoryReader(250)
	id := ChunkID(orders, message.IntKey(201), nil)
	r.failures[id] = cdcerr.New(cdcerr.Config, "read", errors.New("unknown column"))
	s := New(r, Config{ChunkSize: 100, Parallelism: 1, MaxRetries: 3})
	plan, err := r.Plan(context.Background(), orders)
	require.NoError(t, err)

	sink := newRecordingSink()
	err = s.Run(context.Background(), []*Splitter{s.Splitter(plan, nil)}, sink)

	require.Error(t, err)
	assert.True(t, cdcerr.Is(err, cdcerr.Config))
	var cerr *cdcerr.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 1, r.reads[id])
	assert.Len(t, sink.done, 2)
	for _, ev := range sink.tables {
		assert.NotEqual(t, format.SnapshotEventTypeEnd, ev.EventType)
	}
}

func TestRunThrottlesRows(t *testing.T) {
	r := newMemoryReader(750)
	s := New(r, Config{ChunkSize: 1000, Parallelism: 1, BatchSize: 250, RowsPerSecond: 500})
	plan, err := r.Plan(context.Background(), orders)
	require.NoError(t, err)

	// The bucket starts full, so only the third batch of 250 has to wait for its tokens.
	start := time.Now()
	sink := newRecordingSink()
	require.NoError(t, s.Run(context.Background(), []*Splitter{s.Splitter(plan, nil)}, sink))

	assert.Len(t, sink.rows, 750)
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}
