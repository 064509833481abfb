// Package sink holds the consumers shipped with the connector.
package sink

import (
	"context"
	"fmt"
	"io"

	"github.com/snapflowio/binlogcdc/config"
	"github.com/snapflowio/binlogcdc/emitter"
)

// Sink is a consumer that owns a connection.
type Sink interface {
	emitter.Consumer
	io.Closer
}

func Open(ctx context.Context, cfg config.SinkConfig) (Sink, error) {
	switch cfg.Type {
	case config.SinkNATS:
		return NewNATS(ctx, cfg)
	case config.SinkStdout, "":
		return NewWriter(nil), nil
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
	}
}
