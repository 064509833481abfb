package emitter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapflowio/binlogcdc/cdcerr"
	"github.com/snapflowio/binlogcdc/message"
	"github.com/snapflowio/binlogcdc/position"
)

func insert(offset uint32) *message.ChangeEvent {
	return &message.ChangeEvent{
		Timestamp: time.Now(),
		Table:     message.NewTableID("shop", "orders"),
		Operation: message.OperationInsert,
		After:     map[string]any{"id": int64(offset)},
		Position:  position.New("mysql-bin.000001", offset).WithSeq(1),
	}
}

type ackLog struct {
	mu        sync.Mutex
	positions []uint32
}

func (l *ackLog) onAck(r *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions = append(l.positions, r.Position.Offset)
	return nil
}

func (l *ackLog) get() []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint32(nil), l.positions...)
}

func TestAcknowledgementsAreReleasedInOrder(t *testing.T) {
	ctx := context.Background()
	held := make(chan *Delivery, 8)
	consumer := ConsumerFunc(func(_ context.Context, d *Delivery) error {
		held <- d
		return nil
	})

	acks := &ackLog{}
	em := New(Config{SourceName: "shop", BufferSize: 4, MaxInflight: 4}, consumer, acks.onAck)
	done := make(chan error, 1)
	go func() {
		done <- em.Run(ctx)
	}()

	for _, off := range []uint32{100, 200, 300} {
		require.NoError(t, em.Push(ctx, NewEventRecord(insert(off))))
	}

	deliveries := []*Delivery{<-held, <-held, <-held}

	deliveries[2].Ack()
	deliveries[1].Ack()
	assert.Empty(t, acks.get(), "nothing is released before the oldest record is acked")

	deliveries[0].Ack()
	deliveries[0].Ack()
	assert.Equal(t, []uint32{100, 200, 300}, acks.get())

	em.Close()
	require.NoError(t, <-done)
	assert.Equal(t, uint64(3), em.Delivered())
}

func TestPushBlocksWhenBufferAndWindowAreFull(t *testing.T) {
	ctx := context.Background()
	var autoAck atomic.Bool
	held := make(chan *Delivery, 8)
	consumer := ConsumerFunc(func(_ context.Context, d *Delivery) error {
		if autoAck.Load() {
			d.Ack()
			return nil
		}
		held <- d
		return nil
	})

	acks := &ackLog{}
	em := New(Config{SourceName: "shop", BufferSize: 2, MaxInflight: 1}, consumer, acks.onAck)
	assert.Equal(t, 2, em.Capacity())

	done := make(chan error, 1)
	go func() {
		done <- em.Run(ctx)
	}()

	// One record in flight, one waiting for a window slot and two in the buffer.
	for off := uint32(100); off <= 400; off += 100 {
		require.NoError(t, em.Push(ctx, NewEventRecord(insert(off))))
	}
	first := <-held

	require.Eventually(t, func() bool {
		return em.Occupancy() == 2 && em.Pending() == 1
	}, time.Second, 5*time.Millisecond)

	pushCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, em.Push(pushCtx, NewEventRecord(insert(500))), context.DeadlineExceeded)

	autoAck.Store(true)
	first.Ack()

	require.NoError(t, em.Push(ctx, NewEventRecord(insert(500))))
	em.Close()
	require.NoError(t, <-done)

	assert.Equal(t, []uint32{100, 200, 300, 400, 500}, acks.get())
	assert.Equal(t, 0, em.Pending())
}

func TestRejectedEventsAreRedelivered(t *testing.T) {
	ctx := context.Background()
	var attempts []uint
	consumer := ConsumerFunc(func(_ context.Context, d *Delivery) error {
		attempts = append(attempts, d.Attempt)
		if d.Attempt < 3 {
			return errors.New("broker unavailable")
		}
		d.Ack()
		return nil
	})

	em := New(Config{SourceName: "shop", RetryDelay: time.Millisecond, MaxRetryDelay: 5 * time.Millisecond}, consumer, nil)
	require.NoError(t, em.Push(ctx, NewEventRecord(insert(100))))
	em.Close()
	require.NoError(t, em.Run(ctx))

	assert.Equal(t, []uint{1, 2, 3}, attempts)
}

func TestPermanentConsumerFailureStopsRun(t *testing.T) {
	ctx := context.Background()
	calls := 0
	consumer := ConsumerFunc(func(context.Context, *Delivery) error {
		calls++
		return cdcerr.New(cdcerr.Config, "encode", errors.New("unsupported type"))
	})

	em := New(Config{SourceName: "shop", RetryDelay: time.Millisecond}, consumer, nil)
	require.NoError(t, em.Push(ctx, NewEventRecord(insert(100))))
	em.Close()

	err := em.Run(ctx)
	require.Error(t, err)
	assert.True(t, cdcerr.Is(err, cdcerr.Downstream))
	assert.ErrorContains(t, err, "unsupported type")
	assert.Equal(t, 1, calls)
}

type rowsOnly struct {
	delivered []*Delivery
}

func (c *rowsOnly) Capabilities() Capabilities {
	return Capabilities{}
}

func (c *rowsOnly) Consume(_ context.Context, d *Delivery) error {
	c.delivered = append(c.delivered, d)
	d.Ack()
	return nil
}

func TestMarkersAndUnsupportedSchemaChangesAreAckedWithoutDelivery(t *testing.T) {
	ctx := context.Background()
	consumer := &rowsOnly{}
	acks := &ackLog{}
	em := New(Config{SourceName: "shop", BufferSize: 8, MaxInflight: 8, IncludeSchemaChanges: true}, consumer, acks.onAck)

	ddl := &message.ChangeEvent{
		Table:     message.NewTableID("shop", "orders"),
		Operation: message.OperationSchemaChange,
		DDL:       "ALTER TABLE orders ADD COLUMN note TEXT",
		Position:  position.New("mysql-bin.000001", 300).WithSeq(1),
	}

	require.NoError(t, em.Push(ctx, NewEventRecord(insert(100))))
	require.NoError(t, em.Push(ctx, NewMarker(MarkerCommit, position.New("mysql-bin.000001", 200), position.New("mysql-bin.000001", 200), nil)))
	require.NoError(t, em.Push(ctx, NewEventRecord(ddl)))
	require.NoError(t, em.Push(ctx, NewEventRecord(insert(400))))
	em.Close()
	require.NoError(t, em.Run(ctx))

	require.Len(t, consumer.delivered, 2)
	assert.Equal(t, message.OperationInsert, consumer.delivered[1].Event.Operation)
	assert.Equal(t, []uint32{100, 200, 300, 400}, acks.get())
}

func TestPushAfterClose(t *testing.T) {
	em := New(Config{}, ConsumerFunc(func(context.Context, *Delivery) error { return nil }), nil)
	em.Close()
	em.Close()

	assert.ErrorIs(t, em.Push(context.Background(), NewEventRecord(insert(100))), ErrClosed)
}

func TestAckCallbackErrorStopsRun(t *testing.T) {
	ctx := context.Background()
	consumer := ConsumerFunc(func(_ context.Context, d *Delivery) error {
		d.Ack()
		return nil
	})

	em := New(Config{SourceName: "shop", BufferSize: 4, MaxInflight: 4}, consumer, func(*Record) error {
		return errors.New("checkpoint rejected")
	})
	require.NoError(t, em.Push(ctx, NewEventRecord(insert(100))))
	require.NoError(t, em.Push(ctx, NewEventRecord(insert(200))))

	err := em.Run(ctx)
	assert.ErrorContains(t, err, "checkpoint rejected")
}
