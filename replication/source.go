package replication

import (
	"context"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"

	"github.com/snapflowio/binlogcdc/config"
	"github.com/snapflowio/binlogcdc/position"
)

// EventSource is a connection to the binlog of a server. Start may be called again after
// Close to reconnect at another position.
type EventSource interface {
	Start(pos position.Position) error
	GetEvent(ctx context.Context) (*replication.BinlogEvent, error)
	Close()
}

type syncerSource struct {
	cfg      replication.BinlogSyncerConfig
	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer
}

// NewSyncerSource reads the binlog as a replica registered with the configured server id.
func NewSyncerSource(cfg config.Config) EventSource {
	return &syncerSource{
		cfg: replication.BinlogSyncerConfig{
			ServerID:                cfg.ServerID,
			Flavor:                  cfg.Flavor,
			Host:                    cfg.Host,
			Port:                    uint16(cfg.Port),
			User:                    cfg.Username,
			Password:                cfg.Password,
			UseDecimal:              true,
			ParseTime:               true,
			TimestampStringLocation: time.UTC,
			HeartbeatPeriod:         cfg.Replication.HeartbeatPeriod,
			ReadTimeout:             cfg.Replication.ReadTimeout,
			DisableRetrySync:        true,
		},
	}
}

func (s *syncerSource) Start(pos position.Position) error {
	s.Close()

	s.syncer = replication.NewBinlogSyncer(s.cfg)
	streamer, err := s.syncer.StartSync(pos.Coordinate())
	if err != nil {
		s.Close()
		return err
	}
	s.streamer = streamer

	return nil
}

func (s *syncerSource) GetEvent(ctx context.Context) (*replication.BinlogEvent, error) {
	return s.streamer.GetEvent(ctx)
}

func (s *syncerSource) Close() {
	if s.syncer != nil {
		s.syncer.Close()
		s.syncer = nil
		s.streamer = nil
	}
}
