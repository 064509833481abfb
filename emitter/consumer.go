package emitter

import (
	"context"
	"sync"

	"github.com/snapflowio/binlogcdc/message"
	"github.com/snapflowio/binlogcdc/message/format"
)

// Capabilities is what a consumer declares it can handle.
type Capabilities struct {
	SchemaChanges bool
}

type Consumer interface {
	Capabilities() Capabilities
	Consume(ctx context.Context, d *Delivery) error
}

// ConsumerFunc adapts a function to a Consumer that accepts schema changes.
type ConsumerFunc func(ctx context.Context, d *Delivery) error

func (f ConsumerFunc) Capabilities() Capabilities {
	return Capabilities{SchemaChanges: true}
}

func (f ConsumerFunc) Consume(ctx context.Context, d *Delivery) error {
	return f(ctx, d)
}

// Delivery is one attempt to hand a change event to the consumer. Ack may be called from any
// goroutine, after Consume returned, and more than once.
type Delivery struct {
	Envelope *format.Envelope
	Event    *message.ChangeEvent
	emitter  *Emitter
	Attempt  uint
	seq      uint64
	once     sync.Once
}

func (d *Delivery) Ack() {
	d.once.Do(func() {
		d.emitter.ack(d.seq)
	})
}

func (d *Delivery) Seq() uint64 {
	return d.seq
}
