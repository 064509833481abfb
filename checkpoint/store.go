package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("checkpoint not found")

// Store persists checkpoints. Save must replace the previous checkpoint atomically: a crash
// during Save leaves either the old or the new checkpoint, never a mix.
type Store interface {
	Load(ctx context.Context, sourceID string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
	Delete(ctx context.Context, sourceID string) error
	Close() error
}

func encode(cp *Checkpoint) ([]byte, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("checkpoint encode: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint decode: %w", err)
	}
	cp.normalize()
	return &cp, nil
}
