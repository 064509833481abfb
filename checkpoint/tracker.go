package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/snapflowio/binlogcdc/logger"
	"github.com/snapflowio/binlogcdc/position"
)

// Tracker owns the in-memory checkpoint of a source and persists it on Flush. All mutations
// are serialized; Flush saves a copy so that a slow store never blocks acknowledgements.
type Tracker struct {
	store    Store
	cp       *Checkpoint
	sourceID string
	interval time.Duration

	// Synchronization (always last)
	mu      sync.Mutex
	flushMu sync.Mutex
	dirty   bool
}

func NewTracker(store Store, sourceID string, interval time.Duration) *Tracker {
	return &Tracker{
		store:    store,
		sourceID: sourceID,
		interval: interval,
		cp:       New(sourceID),
	}
}

// Load reads the stored checkpoint, or starts a fresh one when none exists.
func (t *Tracker) Load(ctx context.Context) (*Checkpoint, error) {
	cp, err := t.store.Load(ctx, t.sourceID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("checkpoint load: %w", err)
		}
		cp = New(t.sourceID)
		logger.Info("[checkpoint] no checkpoint found, starting fresh", "source", t.sourceID)
	} else {
		logger.Info("[checkpoint] loaded", "source", t.sourceID, "phase", cp.Phase, "position", cp.Position.String(), "chunks", len(cp.Chunks))
	}

	t.mu.Lock()
	t.cp = cp
	t.dirty = false
	t.mu.Unlock()

	return cp.Clone(), nil
}

// Current returns a copy of the in-memory checkpoint.
func (t *Tracker) Current() *Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cp.Clone()
}

// Advance records an acknowledged binlog event. Positions that do not move forward are ignored.
func (t *Tracker) Advance(pos, restart position.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !pos.After(t.cp.Position) {
		return
	}

	t.cp.Position = pos
	if !restart.IsZero() {
		t.cp.Restart = restart
	}
	t.touch()
}

func (t *Tracker) CompleteChunk(id string, state ChunkState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cs := state
	t.cp.Chunks[id] = &cs
	t.cp.HighWatermark = position.Max(t.cp.HighWatermark, state.Read)

	if tp, ok := t.cp.Tables[state.Table]; ok {
		tp.HighWatermark = position.Max(tp.HighWatermark, state.Read)
		tp.Rows += state.Rows
	}
	t.touch()
}

func (t *Tracker) SetPhase(phase Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cp.Phase == phase {
		return
	}
	t.cp.Phase = phase
	t.touch()
}

// Update applies fn to the in-memory checkpoint.
func (t *Tracker) Update(fn func(cp *Checkpoint)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fn(t.cp)
	t.touch()
}

func (t *Tracker) Fail(f Failure) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f.At.IsZero() {
		f.At = time.Now().UTC()
	}
	t.cp.Failure = &f
	t.touch()
}

// Flush saves the checkpoint if it changed since the last save.
func (t *Tracker) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	if !t.dirty {
		t.mu.Unlock()
		return nil
	}
	snapshot := t.cp.Clone()
	t.dirty = false
	t.mu.Unlock()

	if err := t.store.Save(ctx, snapshot); err != nil {
		t.mu.Lock()
		t.dirty = true
		t.mu.Unlock()
		return fmt.Errorf("checkpoint save: %w", err)
	}

	logger.Debug("[checkpoint] saved", "source", snapshot.SourceID, "phase", snapshot.Phase, "position", snapshot.Position.String())

	return nil
}

// Run flushes on every interval until ctx is done, then flushes a last time.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return t.Flush(flushCtx)
		case <-ticker.C:
			if err := t.Flush(ctx); err != nil {
				logger.Error("[checkpoint] periodic flush failed", "error", err)
			}
		}
	}
}

// Reset deletes the stored checkpoint and starts over.
func (t *Tracker) Reset(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	if err := t.store.Delete(ctx, t.sourceID); err != nil {
		return fmt.Errorf("checkpoint reset: %w", err)
	}

	t.mu.Lock()
	t.cp = New(t.sourceID)
	t.dirty = false
	t.mu.Unlock()

	return nil
}

func (t *Tracker) touch() {
	t.cp.UpdatedAt = time.Now().UTC()
	t.dirty = true
}
