package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/snapflowio/binlogcdc/capture"
	"github.com/snapflowio/binlogcdc/cdcerr"
	"github.com/snapflowio/binlogcdc/checkpoint"
	"github.com/snapflowio/binlogcdc/config"
	"github.com/snapflowio/binlogcdc/emitter"
	"github.com/snapflowio/binlogcdc/logger"
	"github.com/snapflowio/binlogcdc/message"
	"github.com/snapflowio/binlogcdc/message/format"
	"github.com/snapflowio/binlogcdc/position"
	"github.com/snapflowio/binlogcdc/replication"
	"github.com/snapflowio/binlogcdc/snapshot"
)

const flushTimeout = 10 * time.Second

var (
	ErrPreviousFailure        = errors.New("checkpoint records a failure, reset the checkpoint to take a new snapshot")
	ErrSchemaChangeInSnapshot = errors.New("schema change of a captured table while its snapshot was merged")
)

// Pusher is where the coordinator sends records, normally an *emitter.Emitter.
type Pusher interface {
	Push(ctx context.Context, r *emitter.Record) error
}

type Config struct {
	Tables  capture.Tables
	Startup config.StartupConfig
}

type Option func(*Coordinator)

func WithStateHook(hook StateHook) Option {
	return func(c *Coordinator) {
		c.hook = hook
	}
}

// Coordinator runs the snapshot, merges it with the binlog read from the low watermark and
// hands over to plain streaming once the high watermark is passed.
type Coordinator struct {
	cfg         Config
	tracker     *checkpoint.Tracker
	snapshotter *snapshot.Snapshotter
	streamer    replication.Streamer
	hook        StateHook
	merge       *mergeFilter

	// Synchronization (always last)
	mu    sync.Mutex
	state State
}

func New(cfg Config, tracker *checkpoint.Tracker, snapshotter *snapshot.Snapshotter, streamer replication.Streamer, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:         cfg,
		tracker:     tracker,
		snapshotter: snapshotter,
		streamer:    streamer,
		state:       StateInitializing,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run drives the source until ctx is done or a fatal error occurs. The tracker must have been
// loaded before.
func (c *Coordinator) Run(ctx context.Context, out Pusher) error {
	err := c.run(ctx, out)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, emitter.ErrClosed) {
		return err
	}

	c.fail(err)
	return err
}

func (c *Coordinator) run(ctx context.Context, out Pusher) error {
	c.setState(StateInitializing)

	cp := c.tracker.Current()
	if cp.Failure != nil {
		return cdcerr.New(cdcerr.Config, "resume", fmt.Errorf("%w: %s", ErrPreviousFailure, cp.Failure.Reason)).
			WithPosition(cp.Failure.Position)
	}

	if cp.IsFresh() {
		if err := c.initialize(ctx); err != nil {
			return err
		}
		cp = c.tracker.Current()
	}

	if cp.Phase == checkpoint.PhaseSnapshotting {
		extra, err := c.snapshot(ctx, out, cp)
		if err != nil {
			return err
		}

		cp = c.tracker.Current()
		c.merge = newMergeFilter(cp, extra)
		c.setState(StateBackfillMerge)
		c.log("merging snapshot with binlog", "low", cp.LowWatermark.String(), "high", c.merge.high.String())
	} else {
		c.setState(StateStreaming)
	}

	from := resumeFrom(cp)
	if c.merge != nil && !c.merge.high.After(from.After) {
		if err := c.finishMerge(ctx, out, from.After); err != nil {
			return err
		}
	}

	return c.streamer.Stream(ctx, from, func(ctx context.Context, ev *replication.Event) error {
		return c.handle(ctx, out, ev)
	})
}

// initialize decides where a source without checkpoint starts.
func (c *Coordinator) initialize(ctx context.Context) error {
	reader := c.snapshotter.Reader()

	switch c.cfg.Startup.Mode {
	case config.StartupModeSpecificOffset, config.StartupModeLatest:
		var (
			pos position.Position
			err error
		)
		if c.cfg.Startup.Mode == config.StartupModeLatest {
			pos, err = reader.CurrentPosition(ctx)
		} else {
			pos, err = c.cfg.Startup.StartPosition()
		}
		if err != nil {
			return cdcerr.New(cdcerr.KindOf(err), "startup position", err)
		}

		c.tracker.Update(func(cp *checkpoint.Checkpoint) {
			cp.Phase = checkpoint.PhaseStreaming
			cp.Position = pos
			cp.Restart = pos
		})
		c.log("starting without snapshot", "mode", string(c.cfg.Startup.Mode), "position", pos.String())

	default:
		low, err := reader.CurrentPosition(ctx)
		if err != nil {
			return cdcerr.New(cdcerr.KindOf(err), "low watermark", err)
		}

		c.tracker.Update(func(cp *checkpoint.Checkpoint) {
			cp.Phase = checkpoint.PhaseSnapshotting
			cp.LowWatermark = low
		})
		c.log("low watermark recorded", "position", low.String())
	}

	return c.tracker.Flush(ctx)
}

func (c *Coordinator) snapshot(ctx context.Context, out Pusher, cp *checkpoint.Checkpoint) (map[string]*checkpoint.ChunkState, error) {
	c.setState(StateSnapshotting)
	reader := c.snapshotter.Reader()

	splitters := make([]*snapshot.Splitter, 0, len(c.cfg.Tables))
	for _, t := range c.cfg.Tables {
		id := t.ID()
		name := id.String()

		var plan snapshot.Plan
		if tp, ok := cp.Tables[name]; ok {
			plan = snapshot.Plan{Table: id, KeyColumn: tp.KeyColumn, Min: tp.Min, Max: tp.Max}
		} else {
			var err error
			plan, err = reader.Plan(ctx, id)
			if err != nil {
				return nil, cdcerr.New(cdcerr.KindOf(err), "snapshot plan", err).WithTable(name)
			}
			c.tracker.Update(func(cp *checkpoint.Checkpoint) {
				cp.Tables[name] = &checkpoint.TableProgress{KeyColumn: plan.KeyColumn, Min: plan.Min, Max: plan.Max}
			})
			c.log("table planned", "table", name, "key", plan.KeyColumn, "min", plan.Min.String(), "max", plan.Max.String())
		}

		splitters = append(splitters, c.snapshotter.Splitter(plan, completedChunks(cp, plan)))
	}

	if err := c.tracker.Flush(ctx); err != nil {
		return nil, err
	}

	sink := newSnapshotSink(out)
	if err := c.snapshotter.Run(ctx, splitters, sink); err != nil {
		return nil, err
	}

	return sink.completed(), nil
}

func completedChunks(cp *checkpoint.Checkpoint, plan snapshot.Plan) []*snapshot.Chunk {
	states := cp.TableChunks(plan.Table.String())
	chunks := make([]*snapshot.Chunk, 0, len(states))
	for _, cs := range states {
		chunks = append(chunks, &snapshot.Chunk{
			Table:     plan.Table,
			KeyColumn: plan.KeyColumn,
			Low:       cs.Low,
			High:      cs.High,
			Read:      cs.Read,
			Rows:      cs.Rows,
			Done:      true,
		})
	}
	return chunks
}

func resumeFrom(cp *checkpoint.Checkpoint) replication.Resume {
	if cp.Position.IsZero() {
		return replication.ResumeAt(cp.LowWatermark)
	}

	restart := cp.Restart
	if restart.IsZero() {
		restart = cp.Position.Boundary()
	}
	return replication.Resume{Restart: restart, After: cp.Position}
}

func (c *Coordinator) handle(ctx context.Context, out Pusher, ev *replication.Event) error {
	if c.merge != nil && ev.Position.After(c.merge.high) {
		if err := c.finishMerge(ctx, out, ev.Position); err != nil {
			return err
		}
	}

	if ev.Commit {
		return out.Push(ctx, emitter.NewMarker(emitter.MarkerCommit, ev.Position, ev.Restart, nil))
	}

	change := ev.Change
	if c.merge != nil {
		if change.Operation == message.OperationSchemaChange {
			return cdcerr.New(cdcerr.DataLossRisk, "backfill merge", ErrSchemaChangeInSnapshot).
				WithTable(change.Table.String()).
				WithPosition(ev.Position)
		}

		if c.merge.suppress(change) {
			if logger.IsDebug() {
				logger.Debug("[coordinator] event already in snapshot", "table", change.Table.String(), "position", ev.Position.String())
			}
			return out.Push(ctx, emitter.NewMarker(emitter.MarkerSkipped, ev.Position, ev.Restart, nil))
		}
	}

	return out.Push(ctx, emitter.NewEventRecord(change))
}

// finishMerge leaves backfill merge. The streaming phase is persisted once everything before
// the marker was acknowledged. The high watermark is a transaction boundary, so the marker
// also moves the checkpoint there.
func (c *Coordinator) finishMerge(ctx context.Context, out Pusher, at position.Position) error {
	high := c.merge.high
	c.merge = nil
	if err := out.Push(ctx, emitter.NewMarker(emitter.MarkerPhase, high, high, checkpoint.PhaseStreaming)); err != nil {
		return err
	}

	c.log("high watermark passed, streaming", "position", at.String())
	c.setState(StateStreaming)
	return nil
}

// Ack is the emitter callback. It runs for every record in emission order once the record and
// all records before it were acknowledged.
func (c *Coordinator) Ack(r *emitter.Record) error {
	if !r.IsMarker() {
		if !r.Event.Snapshot {
			c.tracker.Advance(r.Position, r.Restart)
		}
		return nil
	}

	switch r.Marker {
	case emitter.MarkerCommit, emitter.MarkerSkipped:
		c.tracker.Advance(r.Position, r.Restart)

	case emitter.MarkerChunk:
		done, ok := r.Payload.(*chunkDone)
		if !ok {
			return fmt.Errorf("chunk marker carries %T", r.Payload)
		}
		c.tracker.CompleteChunk(done.ID, done.State)

	case emitter.MarkerTable:
		ev, ok := r.Payload.(*format.Snapshot)
		if !ok {
			return fmt.Errorf("table marker carries %T", r.Payload)
		}
		name := message.NewTableID(ev.Schema, ev.Table).String()
		c.tracker.Update(func(cp *checkpoint.Checkpoint) {
			tp, ok := cp.Tables[name]
			if !ok {
				return
			}
			switch ev.EventType {
			case format.SnapshotEventTypeBegin:
				if tp.LowWatermark.IsZero() {
					tp.LowWatermark = ev.Position
				}
			case format.SnapshotEventTypeEnd:
				tp.Done = true
			}
		})

	case emitter.MarkerPhase:
		if !r.Position.IsZero() {
			c.tracker.Advance(r.Position, r.Restart)
		}
		c.tracker.SetPhase(checkpoint.PhaseStreaming)
	}

	return nil
}

// fail records Config and DataLossRisk errors in the checkpoint so that a restart does not
// silently continue after a gap. Other errors stop the run without being recorded.
func (c *Coordinator) fail(err error) {
	c.setState(StateFailed)

	var cerr *cdcerr.Error
	kind := cdcerr.KindOf(err)
	logger.Error("[coordinator] failed", "kind", string(kind), "error", err)

	if kind != cdcerr.DataLossRisk && kind != cdcerr.Config {
		return
	}
	if errors.Is(err, ErrPreviousFailure) {
		return
	}

	f := checkpoint.Failure{Kind: string(kind), Reason: err.Error(), Position: c.lastPosition()}
	if errors.As(err, &cerr) {
		f.Table = cerr.Table
		f.Chunk = cerr.Chunk
		if !cerr.Position.IsZero() {
			f.Position = cerr.Position
		}
	}
	c.tracker.Fail(f)

	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if ferr := c.tracker.Flush(flushCtx); ferr != nil {
		logger.Error("[coordinator] failure could not be persisted", "error", ferr)
	}
}

// lastPosition is the last position handed out by the streamer, or the checkpointed one when
// nothing was streamed yet.
func (c *Coordinator) lastPosition() position.Position {
	if pos := c.streamer.Position(); !pos.IsZero() {
		return pos
	}

	cp := c.tracker.Current()
	if !cp.Position.IsZero() {
		return cp.Position
	}
	return cp.LowWatermark
}

func (c *Coordinator) log(msg string, keysAndValues ...any) {
	logger.Info("[coordinator] "+msg, keysAndValues...)
}
