package checkpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapflowio/binlogcdc/message"
	"github.com/snapflowio/binlogcdc/position"
)

type memoryStore struct {
	mu    sync.Mutex
	saved map[string]*Checkpoint
	saves int
	err   error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{saved: make(map[string]*Checkpoint)}
}

func (s *memoryStore) Load(_ context.Context, sourceID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.saved[sourceID]
	if !ok {
		return nil, ErrNotFound
	}
	return cp.Clone(), nil
}

func (s *memoryStore) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved[cp.SourceID] = cp.Clone()
	s.saves++
	return nil
}

func (s *memoryStore) Delete(_ context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.saved, sourceID)
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}

func (s *memoryStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func TestTrackerLoadFresh(t *testing.T) {
	tracker := NewTracker(newMemoryStore(), "src", time.Minute)

	cp, err := tracker.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, cp.IsFresh())
	assert.Equal(t, "src", cp.SourceID)
}

func TestTrackerAdvanceNeverMovesBack(t *testing.T) {
	tracker := NewTracker(newMemoryStore(), "src", time.Minute)

	p1 := position.New("mysql-bin.000001", 500)
	tracker.Advance(p1.WithSeq(1), position.New("mysql-bin.000001", 300))
	tracker.Advance(p1, position.New("mysql-bin.000001", 100))

	cp := tracker.Current()
	assert.Equal(t, p1.WithSeq(1), cp.Position)
	assert.Equal(t, position.New("mysql-bin.000001", 300), cp.Restart)

	tracker.Advance(position.New("mysql-bin.000002", 4), position.Position{})
	cp = tracker.Current()
	assert.Equal(t, position.New("mysql-bin.000002", 4), cp.Position)
	assert.Equal(t, position.New("mysql-bin.000001", 300), cp.Restart, "a zero restart keeps the previous one")
}

func TestTrackerCompleteChunk(t *testing.T) {
	tracker := NewTracker(newMemoryStore(), "src", time.Minute)
	tracker.Update(func(cp *Checkpoint) {
		cp.Tables["shop.orders"] = &TableProgress{KeyColumn: "id"}
	})

	tracker.CompleteChunk("shop.orders#1", ChunkState{Table: "shop.orders", Low: message.IntKey(101), Read: position.New("b.000001", 900), Rows: 100})
	tracker.CompleteChunk("shop.orders#0", ChunkState{Table: "shop.orders", High: message.IntKey(101), Read: position.New("b.000001", 400), Rows: 100})

	cp := tracker.Current()
	assert.Equal(t, position.New("b.000001", 900), cp.HighWatermark)
	assert.Equal(t, position.New("b.000001", 900), cp.Tables["shop.orders"].HighWatermark)
	assert.Equal(t, int64(200), cp.Tables["shop.orders"].Rows)

	chunks := cp.TableChunks("shop.orders")
	require.Len(t, chunks, 2)
	assert.Nil(t, chunks[0].Low)
	assert.Equal(t, message.IntKey(101), chunks[1].Low)
	assert.True(t, chunks[0].Contains(message.IntKey(100)))
	assert.False(t, chunks[0].Contains(message.IntKey(101)))
}

func TestTrackerFlushOnlyWhenDirty(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	tracker := NewTracker(store, "src", time.Minute)

	require.NoError(t, tracker.Flush(ctx))
	assert.Equal(t, 0, store.saveCount())

	tracker.SetPhase(PhaseStreaming)
	require.NoError(t, tracker.Flush(ctx))
	require.NoError(t, tracker.Flush(ctx))
	assert.Equal(t, 1, store.saveCount())

	tracker.SetPhase(PhaseStreaming)
	require.NoError(t, tracker.Flush(ctx))
	assert.Equal(t, 1, store.saveCount())
}

func TestTrackerFlushRetriesAfterError(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	store.err = errors.New("disk full")
	tracker := NewTracker(store, "src", time.Minute)

	tracker.Advance(position.New("b.000001", 10), position.New("b.000001", 4))
	assert.ErrorContains(t, tracker.Flush(ctx), "disk full")

	store.err = nil
	require.NoError(t, tracker.Flush(ctx))

	loaded, err := store.Load(ctx, "src")
	require.NoError(t, err)
	assert.Equal(t, position.New("b.000001", 10), loaded.Position)
}

func TestTrackerFailIsPersistedAndReloaded(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	tracker := NewTracker(store, "src", time.Minute)

	tracker.Fail(Failure{Kind: "data_loss_risk", Reason: "binlog purged", Position: position.New("b.000001", 4)})
	require.NoError(t, tracker.Flush(ctx))

	reloaded := NewTracker(store, "src", time.Minute)
	cp, err := reloaded.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp.Failure)
	assert.Equal(t, "binlog purged", cp.Failure.Reason)
	assert.False(t, cp.Failure.At.IsZero())

	require.NoError(t, reloaded.Reset(ctx))
	assert.Nil(t, reloaded.Current().Failure)
	_, err = store.Load(ctx, "src")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTrackerRunFlushesOnStop(t *testing.T) {
	store := newMemoryStore()
	tracker := NewTracker(store, "src", time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tracker.Run(ctx)
	}()

	tracker.Advance(position.New("b.000001", 10), position.New("b.000001", 4))
	cancel()

	require.NoError(t, <-done)
	assert.Equal(t, 1, store.saveCount())
}
