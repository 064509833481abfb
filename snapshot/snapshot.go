package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/juju/ratelimit"

	"github.com/snapflowio/binlogcdc/cdcerr"
	"github.com/snapflowio/binlogcdc/logger"
	"github.com/snapflowio/binlogcdc/message"
	"github.com/snapflowio/binlogcdc/message/format"
	"github.com/snapflowio/binlogcdc/position"
)

// Sink receives the output of a snapshot. Rows of one chunk arrive in key order; chunks of
// different tables and chunks read in parallel interleave.
type Sink interface {
	Table(ctx context.Context, event *format.Snapshot) error
	Rows(ctx context.Context, chunk *Chunk, events []*message.ChangeEvent) error
	ChunkDone(ctx context.Context, chunk *Chunk) error
}

type Config struct {
	ChunkSize   int64
	Parallelism int
	BatchSize   int
	MaxRetries  uint
	RetryDelay  time.Duration

	// RowsPerSecond caps the rows read by all workers together, 0 is unlimited.
	RowsPerSecond int
}

type Snapshotter struct {
	reader  Reader
	limiter *ratelimit.Bucket
	config  Config
}

func New(reader Reader, cfg Config) *Snapshotter {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1_000
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	s := &Snapshotter{reader: reader, config: cfg}
	if cfg.RowsPerSecond > 0 {
		s.limiter = ratelimit.NewBucketWithRate(float64(cfg.RowsPerSecond), int64(cfg.RowsPerSecond))
	}
	return s
}

func (s *Snapshotter) Reader() Reader {
	return s.reader
}

// Splitter creates the splitter of a table planned earlier.
func (s *Snapshotter) Splitter(plan Plan, completed []*Chunk) *Splitter {
	return NewSplitter(s.reader, plan, s.config.ChunkSize, completed)
}

type work struct {
	chunk *Chunk
	table *tableRun
}

// Run reads every chunk the splitters yield with at most Parallelism concurrent reads. It
// returns after all chunks were handed to the sink, or on the first failure. Chunks that were
// not finished are not reported to ChunkDone.
func (s *Snapshotter) Run(ctx context.Context, splitters []*Splitter, sink Sink) error {
	startTime := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	works := make(chan work)
	for i := 0; i < s.config.Parallelism; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for w := range works {
				if err := s.processChunk(ctx, w, sink); err != nil {
					fail(err)
					return
				}
			}
			logger.Debug("[snapshot] worker finished", "worker", workerID)
		}(i)
	}

	dispatchErr := s.dispatch(ctx, splitters, sink, works)
	close(works)
	if dispatchErr != nil {
		fail(dispatchErr)
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}

	logger.Info("[snapshot] completed", "tables", len(splitters), "duration", time.Since(startTime))
	return nil
}

func (s *Snapshotter) dispatch(ctx context.Context, splitters []*Splitter, sink Sink, works chan<- work) error {
	for _, sp := range splitters {
		tr := &tableRun{table: sp.Plan().Table, sink: sink}

		for {
			chunk, err := sp.Next(ctx)
			if err != nil {
				return cdcerr.New(cdcerr.KindOf(err), "snapshot split", err).WithTable(tr.table.String())
			}
			if chunk == nil {
				break
			}

			if chunk.Done {
				tr.addDone(chunk)
				logger.Debug("[snapshot] chunk already completed", "chunk", chunk.ID())
				continue
			}

			if err := tr.begin(ctx, s.reader); err != nil {
				return err
			}

			select {
			case works <- work{chunk: chunk, table: tr}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := tr.dispatched(ctx); err != nil {
			return err
		}
	}

	return nil
}

func (s *Snapshotter) processChunk(ctx context.Context, w work, sink Sink) error {
	chunk := w.chunk
	logger.Debug("[snapshot] reading chunk", "chunk", chunk.ID())

	var rows int64
	read, err := s.readWithRetry(ctx, chunk, func(read position.Position, batch []map[string]any) error {
		events := make([]*message.ChangeEvent, len(batch))
		now := time.Now().UTC()
		for i, row := range batch {
			events[i] = &message.ChangeEvent{
				Timestamp: now,
				Table:     chunk.Table,
				Operation: message.OperationInsert,
				After:     row,
				Position:  read,
				Snapshot:  true,
				Row:       uint32(rows) + uint32(i),
			}
		}
		rows += int64(len(batch))
		if err := s.throttle(ctx, len(batch)); err != nil {
			return err
		}
		return sink.Rows(ctx, chunk, events)
	}, func() { rows = 0 })
	if err != nil {
		return err
	}

	chunk.Read = read
	chunk.Rows = rows

	if err := sink.ChunkDone(ctx, chunk); err != nil {
		return fmt.Errorf("chunk done %s: %w", chunk.ID(), err)
	}

	logger.Debug("[snapshot] chunk completed", "chunk", chunk.ID(), "rows", rows, "read", read.String())

	return w.table.complete(ctx, chunk)
}

func (s *Snapshotter) throttle(ctx context.Context, rows int) error {
	if s.limiter == nil {
		return nil
	}

	wait := s.limiter.Take(int64(rows))
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Snapshotter) readWithRetry(ctx context.Context, chunk *Chunk, fn RowsFunc, reset func()) (position.Position, error) {
	var read position.Position

	err := retry.Do(
		func() error {
			reset()
			var err error
			read, err = s.reader.ReadChunk(ctx, chunk, s.config.BatchSize, fn)
			return err
		},
		retry.Attempts(s.config.MaxRetries+1),
		retry.Delay(s.config.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(cdcerr.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("[snapshot] chunk read failed, retrying", "chunk", chunk.ID(), "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return read, err
		}
		return read, cdcerr.New(cdcerr.KindOf(err), "snapshot chunk", err).
			WithTable(chunk.Table.String()).
			WithChunk(chunk.ID())
	}

	return read, nil
}

// tableRun tracks the chunks of one table to report its start and its end to the sink.
type tableRun struct {
	sink       Sink
	high       position.Position
	table      message.TableID
	rows       int64
	chunks     int
	pending    int
	mu         sync.Mutex
	started    bool
	dispatchOK bool
	ended      bool
}

func (t *tableRun) addDone(c *Chunk) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chunks++
	t.rows += c.Rows
	t.high = position.Max(t.high, c.Read)
}

func (t *tableRun) begin(ctx context.Context, reader Reader) error {
	t.mu.Lock()
	t.pending++
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.mu.Unlock()

	low, err := reader.CurrentPosition(ctx)
	if err != nil {
		return fmt.Errorf("table low watermark %s: %w", t.table, err)
	}
	logger.Info("[snapshot] table started", "table", t.table.String(), "low", low.String())

	return t.sink.Table(ctx, &format.Snapshot{
		ServerTime: time.Now().UTC(),
		EventType:  format.SnapshotEventTypeBegin,
		Schema:     t.table.Schema,
		Table:      t.table.Name,
		Position:   low,
	})
}

func (t *tableRun) complete(ctx context.Context, c *Chunk) error {
	t.mu.Lock()
	t.pending--
	t.chunks++
	t.rows += c.Rows
	t.high = position.Max(t.high, c.Read)
	t.mu.Unlock()

	return t.end(ctx)
}

func (t *tableRun) dispatched(ctx context.Context) error {
	t.mu.Lock()
	t.dispatchOK = true
	t.mu.Unlock()

	return t.end(ctx)
}

func (t *tableRun) end(ctx context.Context) error {
	t.mu.Lock()
	if !t.dispatchOK || t.pending > 0 || t.ended {
		t.mu.Unlock()
		return nil
	}
	t.ended = true
	ev := &format.Snapshot{
		ServerTime: time.Now().UTC(),
		EventType:  format.SnapshotEventTypeEnd,
		Schema:     t.table.Schema,
		Table:      t.table.Name,
		Position:   t.high,
		TotalRows:  t.rows,
		Chunks:     t.chunks,
	}
	t.mu.Unlock()

	logger.Info("[snapshot] table completed", "table", t.table.String(), "rows", ev.TotalRows, "chunks", ev.Chunks, "high", ev.Position.String())

	return t.sink.Table(ctx, ev)
}
