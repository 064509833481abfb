package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/snapflowio/binlogcdc/emitter"
)

// Writer prints one JSON envelope per line and acknowledges it once written.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter writes to w, or to stdout when w is nil.
func NewWriter(w io.Writer) *Writer {
	if w == nil {
		w = os.Stdout
	}
	return &Writer{w: w}
}

func (w *Writer) Capabilities() emitter.Capabilities {
	return emitter.Capabilities{SchemaChanges: true}
}

func (w *Writer) Consume(_ context.Context, d *emitter.Delivery) error {
	data, err := d.Envelope.ToJSON()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	w.mu.Lock()
	_, err = w.w.Write(append(data, '\n'))
	w.mu.Unlock()
	if err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}

	d.Ack()
	return nil
}

func (w *Writer) Close() error {
	return nil
}
