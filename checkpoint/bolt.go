package checkpoint

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var checkpointBucket = []byte("checkpoints")

type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(checkpointBucket); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(_ context.Context, sourceID string) (*Checkpoint, error) {
	var data []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(checkpointBucket).Get([]byte(sourceID))
		if v == nil {
			return ErrNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return decode(data)
}

func (s *BoltStore) Save(_ context.Context, cp *Checkpoint) error {
	data, err := encode(cp)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointBucket).Put([]byte(cp.SourceID), data)
	})
}

func (s *BoltStore) Delete(_ context.Context, sourceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointBucket).Delete([]byte(sourceID))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
