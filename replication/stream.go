package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-mysql-org/go-mysql/replication"

	"github.com/snapflowio/binlogcdc/capture"
	"github.com/snapflowio/binlogcdc/cdcerr"
	"github.com/snapflowio/binlogcdc/logger"
	"github.com/snapflowio/binlogcdc/message"
	"github.com/snapflowio/binlogcdc/position"
)

// PurgeChecker reports whether a position is no longer retained by the server.
type PurgeChecker interface {
	IsPurged(ctx context.Context, pos position.Position) (bool, error)
}

type Stream struct {
	source   EventSource
	decoder  Decoder
	filter   *capture.Filter
	resolver ColumnResolver
	purge    PurgeChecker
	cfg      Config

	mu          sync.Mutex
	last        position.Position
	lastRestart position.Position
}

type Option func(*Stream)

func WithColumnResolver(r ColumnResolver) Option {
	return func(s *Stream) {
		s.resolver = r
	}
}

func WithPurgeChecker(p PurgeChecker) Option {
	return func(s *Stream) {
		s.purge = p
	}
}

func NewStream(cfg Config, source EventSource, filter *capture.Filter, opts ...Option) (*Stream, error) {
	decoder, err := NewDecoder(cfg.Flavor)
	if err != nil {
		return nil, cdcerr.New(cdcerr.Config, "binlog stream", err)
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = time.Second
	}

	s := &Stream{
		source:  source,
		decoder: decoder,
		filter:  filter,
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Position returns the position of the last event handed to the handler.
func (s *Stream) Position() position.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

type handlerError struct {
	err error
}

func (e *handlerError) Error() string {
	return e.err.Error()
}

func (e *handlerError) Unwrap() error {
	return e.err
}

// Stream reads the binlog from the given resume point and calls handler for every event
// past from.After. Lost connections are re-established from the last handed event; the
// reconnect budget is restored whenever a connection made progress.
func (s *Stream) Stream(ctx context.Context, from Resume, handler Handler) error {
	if from.Restart.IsZero() {
		return cdcerr.New(cdcerr.Config, "binlog stream", errors.New("no start position"))
	}

	if s.purge != nil {
		purged, err := s.purge.IsPurged(ctx, from.Restart)
		if err != nil {
			return err
		}
		if purged {
			return cdcerr.New(cdcerr.DataLossRisk, "binlog stream", ErrPositionPurged).WithPosition(from.Restart)
		}
	}

	s.mu.Lock()
	s.last, s.lastRestart = position.Position{}, position.Position{}
	s.mu.Unlock()

	defer s.source.Close()

	for {
		progressed := false

		err := retry.Do(
			func() error {
				resume := s.resumePoint(from)
				err := s.run(ctx, resume, handler)
				if err != nil && s.Position().After(resume.After) && isRetryable(err) {
					progressed = true
					return retry.Unrecoverable(err)
				}
				return err
			},
			retry.Context(ctx),
			retry.Attempts(s.cfg.MaxReconnects+1),
			retry.Delay(s.cfg.ReconnectDelay),
			retry.MaxDelay(30*time.Second),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(isRetryable),
			retry.OnRetry(func(n uint, err error) {
				logger.Warn("[replication] binlog connection lost, reconnecting", "attempt", n+1, "position", s.resumePoint(from).Restart, "error", err)
			}),
		)

		if progressed && ctx.Err() == nil {
			logger.Warn("[replication] binlog connection lost, reconnecting", "position", s.resumePoint(from).Restart, "error", err)
			continue
		}

		return s.classify(err, from)
	}
}

func isRetryable(err error) bool {
	var h *handlerError
	if errors.As(err, &h) {
		return false
	}
	return cdcerr.IsTransient(err)
}

func (s *Stream) classify(err error, from Resume) error {
	if err == nil {
		return nil
	}

	var h *handlerError
	if errors.As(err, &h) {
		return h.err
	}

	if cdcerr.IsPurged(err) {
		return cdcerr.New(cdcerr.DataLossRisk, "binlog stream", fmt.Errorf("%w: %v", ErrPositionPurged, err)).WithPosition(s.resumePoint(from).Restart)
	}

	var cerr *cdcerr.Error
	if errors.As(err, &cerr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return cdcerr.New(cdcerr.KindOf(err), "binlog stream", err).WithPosition(s.Position())
}

func (s *Stream) resumePoint(from Resume) Resume {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last.IsZero() {
		return from
	}
	return Resume{Restart: s.lastRestart, After: s.last}
}

// streamState is the decoder state of one connection. It is rebuilt on reconnect, which is
// why connections always start at a transaction boundary.
type streamState struct {
	file     string
	boundary position.Position
	after    position.Position
	gtid     string
	inTx     bool
	tables   map[uint64]*tableMeta
	names    map[uint64][]string
	captured map[uint64]message.TableID
}

func (s *Stream) run(ctx context.Context, from Resume, handler Handler) error {
	if err := s.source.Start(from.Restart); err != nil {
		return err
	}
	defer s.source.Close()

	logger.Info("[replication] binlog stream started", "restart", from.Restart, "after", from.After)

	st := &streamState{
		file:     from.Restart.File,
		boundary: from.Restart.Boundary(),
		after:    from.After,
		tables:   make(map[uint64]*tableMeta),
		names:    make(map[uint64][]string),
		captured: make(map[uint64]message.TableID),
	}

	for {
		ev, err := s.source.GetEvent(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}

		if err := s.handleEvent(ctx, st, ev, handler); err != nil {
			return err
		}
	}
}

func (s *Stream) handleEvent(ctx context.Context, st *streamState, ev *replication.BinlogEvent, handler Handler) error {
	if e, ok := ev.Event.(*replication.RotateEvent); ok {
		st.file = string(e.NextLogName)
		if !st.inTx {
			st.boundary = position.New(st.file, uint32(e.Position))
		}
		return nil
	}

	if ev.Header.LogPos == 0 {
		return nil
	}

	end := position.New(st.file, ev.Header.LogPos)
	ts := time.Unix(int64(ev.Header.Timestamp), 0).UTC()

	if gtid, ok := s.decoder.GTID(ev); ok {
		st.gtid = gtid
	}
	if s.decoder.IsBegin(ev) {
		st.inTx = true
		return nil
	}

	switch e := ev.Event.(type) {
	case *replication.TableMapEvent:
		return s.tableMap(ctx, st, e)

	case *replication.RowsEvent:
		op, ok := s.decoder.Operation(ev.Header.EventType)
		if !ok {
			return nil
		}
		return s.rows(ctx, st, e, op, end, ts, handler)

	case *replication.XIDEvent:
		return s.commit(ctx, st, end, ts, handler)

	case *replication.QueryEvent:
		query := strings.TrimSpace(string(e.Query))
		switch {
		case strings.EqualFold(query, "COMMIT"), strings.EqualFold(query, "ROLLBACK"):
			return s.commit(ctx, st, end, ts, handler)
		case IsDDL(query):
			return s.ddl(ctx, st, string(e.Schema), query, end, ts, handler)
		}
	}

	return nil
}

func (s *Stream) tableMap(ctx context.Context, st *streamState, e *replication.TableMapEvent) error {
	id, ok := s.filter.Resolve(string(e.Schema), string(e.Table))
	if !ok {
		delete(st.captured, e.TableID)
		return nil
	}

	names, err := columnNames(ctx, s.resolver, id, e)
	if err != nil {
		return err
	}

	st.captured[e.TableID] = id
	st.tables[e.TableID] = newTableMeta(e)
	st.names[e.TableID] = names

	return nil
}

func (s *Stream) rows(ctx context.Context, st *streamState, e *replication.RowsEvent, op message.Operation, end position.Position, ts time.Time, handler Handler) error {
	id, ok := st.captured[e.TableID]
	if !ok {
		return nil
	}
	meta, names := st.tables[e.TableID], st.names[e.TableID]

	step := 1
	if op == message.OperationUpdate {
		step = 2
	}

	var seq uint32
	for i := 0; i+step-1 < len(e.Rows); i += step {
		seq++
		change := &message.ChangeEvent{
			Timestamp: ts,
			Table:     id,
			Operation: op,
			GTID:      st.gtid,
			Position:  end.WithSeq(seq),
			Restart:   st.boundary,
		}

		switch op {
		case message.OperationInsert:
			normalizeRow(e.Rows[i], meta)
			change.After = rowImage(names, e.Rows[i])
		case message.OperationDelete:
			normalizeRow(e.Rows[i], meta)
			change.Before = rowImage(names, e.Rows[i])
		case message.OperationUpdate:
			normalizeRow(e.Rows[i], meta)
			normalizeRow(e.Rows[i+1], meta)
			change.Before = rowImage(names, e.Rows[i])
			change.After = rowImage(names, e.Rows[i+1])
		}

		if err := s.hand(ctx, st, &Event{
			Timestamp: ts,
			Change:    change,
			Position:  change.Position,
			Restart:   change.Restart,
		}, handler); err != nil {
			return err
		}
	}

	return nil
}

func (s *Stream) commit(ctx context.Context, st *streamState, end position.Position, ts time.Time, handler Handler) error {
	st.inTx = false
	st.gtid = ""
	st.boundary = end

	return s.hand(ctx, st, &Event{Timestamp: ts, Position: end, Restart: end, Commit: true}, handler)
}

// ddl emits one schema change per captured table touched by the statement. A DDL statement
// commits implicitly, so a statement that touches no captured table is a commit.
func (s *Stream) ddl(ctx context.Context, st *streamState, schema, query string, end position.Position, ts time.Time, handler Handler) error {
	var seq uint32
	for _, t := range DDLTables(schema, query) {
		id, ok := s.filter.Resolve(t.Schema, t.Name)
		if !ok {
			continue
		}
		if s.resolver != nil {
			s.resolver.Invalidate(id)
		}

		seq++
		change := &message.ChangeEvent{
			Timestamp: ts,
			Table:     id,
			Operation: message.OperationSchemaChange,
			DDL:       query,
			GTID:      st.gtid,
			Position:  end.WithSeq(seq),
			Restart:   st.boundary,
		}
		if err := s.hand(ctx, st, &Event{Timestamp: ts, Change: change, Position: change.Position, Restart: change.Restart}, handler); err != nil {
			return err
		}
	}

	if seq == 0 {
		return s.commit(ctx, st, end, ts, handler)
	}

	st.inTx = false
	st.gtid = ""
	st.boundary = end

	return nil
}

func (s *Stream) hand(ctx context.Context, st *streamState, ev *Event, handler Handler) error {
	if !st.after.IsZero() && !ev.Position.After(st.after) {
		return nil
	}

	s.mu.Lock()
	last := s.last
	s.mu.Unlock()

	if !last.IsZero() && !ev.Position.After(last) {
		return &handlerError{err: cdcerr.New(cdcerr.DataLossRisk, "binlog stream",
			fmt.Errorf("%w: %s after %s", ErrOutOfOrder, ev.Position, last)).WithPosition(ev.Position)}
	}

	if err := handler(ctx, ev); err != nil {
		return &handlerError{err: err}
	}

	s.mu.Lock()
	s.last, s.lastRestart = ev.Position, ev.Restart
	s.mu.Unlock()

	return nil
}
