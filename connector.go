package binlogcdc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snapflowio/binlogcdc/binlog"
	"github.com/snapflowio/binlogcdc/capture"
	"github.com/snapflowio/binlogcdc/cdcerr"
	"github.com/snapflowio/binlogcdc/checkpoint"
	"github.com/snapflowio/binlogcdc/config"
	"github.com/snapflowio/binlogcdc/coordinator"
	"github.com/snapflowio/binlogcdc/emitter"
	"github.com/snapflowio/binlogcdc/internal/db"
	"github.com/snapflowio/binlogcdc/logger"
	"github.com/snapflowio/binlogcdc/replication"
	"github.com/snapflowio/binlogcdc/snapshot"
)

const drainTimeout = 30 * time.Second

type Connector interface {
	// Start runs the capture until ctx is done, a termination signal arrives, Close is called
	// or a fatal error occurs. A clean stop returns nil.
	Start(ctx context.Context) error
	WaitUntilReady(ctx context.Context) error
	Close()
	GetConfig() *config.Config

	// Check verifies that the server can be captured: the tables exist and the binlog is
	// written in ROW format with full row images.
	Check(ctx context.Context) (*binlog.Info, error)
	State() coordinator.State
	Tables() capture.Tables
}

type connector struct {
	// Configuration and dependencies
	cfg      *config.Config
	consumer emitter.Consumer

	// Connections and pipeline
	db          *sql.DB
	inspector   *binlog.Inspector
	store       checkpoint.Store
	tracker     *checkpoint.Tracker
	coordinator *coordinator.Coordinator
	emitter     *emitter.Emitter

	// Channels
	cancelCh chan os.Signal
	readyCh  chan struct{}
	doneCh   chan struct{}

	started atomic.Bool

	// Synchronization (always last)
	cancelChOnce sync.Once
	readyChOnce  sync.Once
	closeOnce    sync.Once
}

func NewConnector(ctx context.Context, cfg config.Config, consumer emitter.Consumer) (Connector, error) {
	cfg.SetDefault()
	if err := cfg.Validate(); err != nil {
		return nil, cdcerr.New(cdcerr.Config, "config validation", err)
	}
	cfg.Print()

	logger.Configure(cfg.Logger.LogLevel, cfg.Logger.Format)

	conn, err := db.Open(ctx, cfg.DSN(), cfg.Snapshot.Parallelism+2)
	if err != nil {
		return nil, err
	}

	store, err := checkpoint.OpenStore(ctx, cfg.Checkpoint)
	if err != nil {
		_ = conn.Close()
		return nil, cdcerr.New(cdcerr.Config, "checkpoint store", err)
	}

	inspector := binlog.NewInspector(conn)

	stream, err := replication.NewStream(
		replication.Config{
			Flavor:         cfg.Flavor,
			MaxReconnects:  cfg.Replication.MaxReconnects,
			ReconnectDelay: cfg.Replication.ReconnectDelay,
		},
		replication.NewSyncerSource(cfg),
		capture.NewFilter(cfg.Tables),
		replication.WithColumnResolver(replication.NewSchemaCache(conn)),
		replication.WithPurgeChecker(inspector),
	)
	if err != nil {
		_ = store.Close()
		_ = conn.Close()
		return nil, err
	}

	snapshotter := snapshot.New(snapshot.NewMySQLReader(conn, cfg.Snapshot.LockMode), snapshot.Config{
		ChunkSize:     cfg.Snapshot.ChunkSize,
		Parallelism:   cfg.Snapshot.Parallelism,
		BatchSize:     cfg.Snapshot.BatchSize,
		MaxRetries:    cfg.Snapshot.MaxRetries,
		RetryDelay:    cfg.Snapshot.RetryDelay,
		RowsPerSecond: cfg.Snapshot.RowsPerSecond,
	})

	tracker := checkpoint.NewTracker(store, cfg.SourceID(), cfg.Checkpoint.Interval)

	coord := coordinator.New(coordinator.Config{Tables: cfg.Tables, Startup: cfg.Startup}, tracker, snapshotter, stream,
		coordinator.WithStateHook(func(from, to coordinator.State) {
			logger.Debug("[connector] state", "from", string(from), "to", string(to))
		}),
	)

	em := emitter.New(emitter.Config{
		SourceName:           cfg.SourceName(),
		BufferSize:           cfg.Emitter.BufferSize,
		MaxInflight:          cfg.Emitter.MaxInflight,
		RetryDelay:           cfg.Emitter.RetryDelay,
		MaxRetryDelay:        cfg.Emitter.MaxRetryDelay,
		IncludeSchemaChanges: cfg.IncludeSchemaChanges,
	}, consumer, coord.Ack)

	return &connector{
		cfg:         &cfg,
		consumer:    consumer,
		db:          conn,
		inspector:   inspector,
		store:       store,
		tracker:     tracker,
		coordinator: coord,
		emitter:     em,
		cancelCh:    make(chan os.Signal, 1),
		readyCh:     make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

func (c *connector) Check(ctx context.Context) (*binlog.Info, error) {
	var missing []error
	for _, t := range c.cfg.Tables {
		ok, err := db.TableExists(ctx, c.db, t.ID())
		if err != nil {
			return nil, cdcerr.New(cdcerr.KindOf(err), "check table", err).WithTable(t.String())
		}
		if !ok {
			missing = append(missing, fmt.Errorf("table %s does not exist", t))
		}
	}
	if len(missing) > 0 {
		return nil, cdcerr.New(cdcerr.Config, "check tables", errors.Join(missing...))
	}

	info, err := c.inspector.CheckPrerequisites(ctx)
	if err != nil {
		return nil, err
	}

	logger.Info("[connector] check passed", "version", info.Version, "position", info.Current.String(), "files", len(info.Files))

	return info, nil
}

func (c *connector) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("connector already started")
	}
	defer close(c.doneCh)

	if _, err := c.Check(ctx); err != nil {
		return err
	}

	if _, err := c.tracker.Load(ctx); err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	signal.Notify(c.cancelCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGABRT, syscall.SIGQUIT)
	defer signal.Stop(c.cancelCh)

	go func() {
		select {
		case <-c.cancelCh:
			logger.Debug("cancel channel triggered")
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	emitterCtx, cancelEmitter := context.WithCancel(context.Background())
	defer cancelEmitter()
	trackerCtx, stopTracker := context.WithCancel(context.Background())
	defer stopTracker()

	var g errgroup.Group
	emitterDone := make(chan struct{})
	g.Go(func() error {
		defer close(emitterDone)
		err := c.emitter.Run(emitterCtx)
		if err != nil {
			cancelRun()
		}
		return err
	})
	g.Go(func() error {
		return c.tracker.Run(trackerCtx)
	})

	c.readyChOnce.Do(func() {
		close(c.readyCh)
	})

	runErr := c.coordinator.Run(runCtx, c.emitter)

	c.emitter.Close()
	select {
	case <-emitterDone:
	case <-time.After(drainTimeout):
		logger.Warn("[connector] consumer did not acknowledge in time, unacknowledged events will be redelivered")
		cancelEmitter()
	}
	stopTracker()

	bgErr := g.Wait()

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, emitter.ErrClosed) {
		return runErr
	}
	if bgErr != nil && !errors.Is(bgErr, context.Canceled) {
		return bgErr
	}

	logger.Info("[connector] stopped", "position", c.tracker.Current().Position.String())
	return nil
}

func (c *connector) WaitUntilReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connector) Close() {
	c.closeOnce.Do(func() {
		logger.Debug("[connector] closing connector")

		c.cancelChOnce.Do(func() {
			c.cancelCh <- syscall.SIGTERM
		})

		if c.started.Load() {
			select {
			case <-c.doneCh:
			case <-time.After(drainTimeout + 10*time.Second):
				logger.Warn("[connector] timed out waiting for the connector to stop")
			}
		}

		if err := c.store.Close(); err != nil {
			logger.Warn("[connector] checkpoint store close", "error", err)
		}
		if err := c.db.Close(); err != nil {
			logger.Warn("[connector] database close", "error", err)
		}

		logger.Info("[connector] connector closed successfully")
	})
}

func (c *connector) GetConfig() *config.Config {
	return c.cfg
}

func (c *connector) State() coordinator.State {
	return c.coordinator.State()
}

func (c *connector) Tables() capture.Tables {
	return c.cfg.Tables
}
