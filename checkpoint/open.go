package checkpoint

import (
	"context"
	"fmt"

	"github.com/snapflowio/binlogcdc/config"
)

func OpenStore(ctx context.Context, cfg config.CheckpointConfig) (Store, error) {
	switch cfg.Store {
	case config.StoreFile:
		return NewFileStore(cfg.Path)
	case config.StoreBolt:
		return NewBoltStore(cfg.Path)
	case config.StoreSQLite:
		return NewSQLiteStore(ctx, cfg.Path)
	case config.StorePostgres:
		return NewPostgresStore(ctx, cfg.DSN, cfg.Table)
	default:
		return nil, fmt.Errorf("unknown checkpoint store %q", cfg.Store)
	}
}
