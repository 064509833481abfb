package emitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/snapflowio/binlogcdc/cdcerr"
	"github.com/snapflowio/binlogcdc/logger"
	"github.com/snapflowio/binlogcdc/message"
	"github.com/snapflowio/binlogcdc/message/format"
)

var ErrClosed = errors.New("emitter is closed")

type Config struct {
	SourceName           string
	BufferSize           int
	MaxInflight          int
	RetryDelay           time.Duration
	MaxRetryDelay        time.Duration
	IncludeSchemaChanges bool
}

// AckFunc receives records in emission order once they and every record before them were
// acknowledged.
type AckFunc func(r *Record) error

type entry struct {
	rec   *Record
	acked bool
}

// Emitter delivers records to a consumer in order.
//
// Producers block in Push while the buffer is full. At most MaxInflight records may wait for
// acknowledgement; the emitter stops taking records from the buffer until the oldest is acked.
type Emitter struct {
	cfg      Config
	consumer Consumer
	onAck    AckFunc

	records chan *Record
	slots   chan struct{}
	closing chan struct{}
	acked   chan struct{}

	deliverSchema bool
	delivered     atomic.Uint64

	// Synchronization (always last)
	mu        sync.Mutex
	window    map[uint64]*entry
	nextSeq   uint64
	ackNext   uint64
	ackErr    error
	closeOnce sync.Once
}

func New(cfg Config, consumer Consumer, onAck AckFunc) *Emitter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 30 * time.Second
	}

	caps := consumer.Capabilities()
	deliverSchema := cfg.IncludeSchemaChanges && caps.SchemaChanges
	if cfg.IncludeSchemaChanges && !caps.SchemaChanges {
		logger.Warn("[emitter] consumer does not accept schema changes, they will be skipped")
	}

	return &Emitter{
		cfg:           cfg,
		consumer:      consumer,
		onAck:         onAck,
		records:       make(chan *Record, cfg.BufferSize),
		slots:         make(chan struct{}, cfg.MaxInflight),
		closing:       make(chan struct{}),
		acked:         make(chan struct{}, 1),
		deliverSchema: deliverSchema,
		window:        make(map[uint64]*entry),
	}
}

// Push enqueues a record, blocking while the buffer is full.
func (e *Emitter) Push(ctx context.Context, r *Record) error {
	select {
	case <-e.closing:
		return ErrClosed
	default:
	}

	select {
	case e.records <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closing:
		return ErrClosed
	}
}

// Close stops accepting records. Run delivers what is already buffered and returns once every
// delivered record was acknowledged.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		close(e.closing)
	})
}

func (e *Emitter) Run(ctx context.Context) error {
	for {
		var r *Record
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r = <-e.records:
		case <-e.closing:
			select {
			case r = <-e.records:
			default:
				return e.waitAcked(ctx)
			}
		}

		if err := e.process(ctx, r); err != nil {
			return err
		}
	}
}

func (e *Emitter) process(ctx context.Context, r *Record) error {
	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	seq := e.register(r)

	if e.skip(r) {
		e.ack(seq)
		return e.ackError()
	}

	if err := e.deliver(ctx, r, seq); err != nil {
		return err
	}

	return e.ackError()
}

func (e *Emitter) skip(r *Record) bool {
	if r.IsMarker() {
		return true
	}
	if r.Event.Operation == message.OperationSchemaChange && !e.deliverSchema {
		logger.Debug("[emitter] schema change skipped", "table", r.Event.Table.String(), "position", r.Position.String())
		return true
	}
	return false
}

func (e *Emitter) deliver(ctx context.Context, r *Record, seq uint64) error {
	envelope, err := format.NewEnvelope(e.cfg.SourceName, r.Event)
	if err != nil {
		return cdcerr.New(cdcerr.Config, "envelope", err).WithPosition(r.Position)
	}

	var attempt uint
	err = retry.Do(
		func() error {
			attempt++
			d := &Delivery{
				Envelope: envelope,
				Event:    r.Event,
				Attempt:  attempt,
				emitter:  e,
				seq:      seq,
			}
			return e.consumer.Consume(ctx, d)
		},
		retry.Attempts(0),
		retry.Delay(e.cfg.RetryDelay),
		retry.MaxDelay(e.cfg.MaxRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return !cdcerr.Is(err, cdcerr.Config) && !cdcerr.Is(err, cdcerr.DataLossRisk)
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("[emitter] consumer rejected event, redelivering",
				"attempt", n+1,
				"table", r.Event.Table.String(),
				"position", r.Position.String(),
				"error", err)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &cdcerr.Error{Kind: cdcerr.Downstream, Op: "consume", Table: r.Event.Table.String(), Position: r.Position, Err: err}
	}

	e.delivered.Add(1)
	return nil
}

func (e *Emitter) register(r *Record) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	seq := e.nextSeq
	e.nextSeq++
	r.seq = seq
	e.window[seq] = &entry{rec: r}
	return seq
}

func (e *Emitter) ack(seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.window[seq]
	if !ok || ent.acked {
		return
	}
	ent.acked = true

	released := false
	for {
		head, ok := e.window[e.ackNext]
		if !ok || !head.acked {
			break
		}
		delete(e.window, e.ackNext)
		e.ackNext++
		<-e.slots
		released = true

		if e.onAck != nil && e.ackErr == nil {
			if err := e.onAck(head.rec); err != nil {
				e.ackErr = fmt.Errorf("ack %d: %w", head.rec.seq, err)
			}
		}
	}

	if released {
		select {
		case e.acked <- struct{}{}:
		default:
		}
	}
}

func (e *Emitter) ackError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ackErr
}

func (e *Emitter) waitAcked(ctx context.Context) error {
	for {
		if err := e.ackError(); err != nil {
			return err
		}
		if e.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.acked:
		}
	}
}

// Occupancy is the number of records waiting in the buffer.
func (e *Emitter) Occupancy() int {
	return len(e.records)
}

func (e *Emitter) Capacity() int {
	return cap(e.records)
}

// Pending is the number of records taken from the buffer but not yet acknowledged.
func (e *Emitter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.window)
}

func (e *Emitter) Delivered() uint64 {
	return e.delivered.Load()
}
