package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/snapflowio/binlogcdc/config"
	"github.com/snapflowio/binlogcdc/emitter"
	"github.com/snapflowio/binlogcdc/logger"
	"github.com/snapflowio/binlogcdc/message/format"
)

// NATS publishes envelopes to a JetStream stream on <subject>.<schema>.<table>. Every message
// carries a Nats-Msg-Id so that redeliveries inside the stream's duplicate window are dropped
// by the server.
type NATS struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	subject string
}

func NewNATS(ctx context.Context, cfg config.SinkConfig) (*NATS, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("binlogcdc"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.Subject + ".>"},
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream %s: %w", cfg.Stream, err)
	}

	logger.Info("[sink] nats connected", "url", nc.ConnectedUrlRedacted(), "stream", cfg.Stream, "subject", cfg.Subject)

	return &NATS{nc: nc, js: js, subject: cfg.Subject}, nil
}

func (n *NATS) Capabilities() emitter.Capabilities {
	return emitter.Capabilities{SchemaChanges: true}
}

func (n *NATS) Consume(ctx context.Context, d *emitter.Delivery) error {
	data, err := d.Envelope.ToJSON()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	id, err := MessageID(d.Envelope)
	if err != nil {
		return err
	}

	if _, err := n.js.Publish(ctx, n.Subject(d.Envelope), data, jetstream.WithMsgID(id)); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}

	d.Ack()
	return nil
}

func (n *NATS) Subject(e *format.Envelope) string {
	return fmt.Sprintf("%s.%s.%s", n.subject, subjectToken(e.Source.DB), subjectToken(e.Source.Table))
}

func (n *NATS) Close() error {
	return n.nc.Drain()
}

// MessageID is the envelope id, extended with a hash of the row image for snapshot rows. The
// ordinal in the id keeps identical rows of a keyless table apart; the hash keeps a re-read
// chunk that returned rows in another order from being mistaken for the earlier read.
func MessageID(e *format.Envelope) (string, error) {
	if !e.Source.Snapshot {
		return e.ID(), nil
	}

	row, err := json.Marshal(e.After)
	if err != nil {
		return "", fmt.Errorf("encode row: %w", err)
	}
	return e.ID() + "/" + uuid.NewSHA1(uuid.NameSpaceOID, row).String(), nil
}

func subjectToken(s string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}
