package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var recordsBucket = []byte("records")

// boltBackend stores records in a local bbolt file. Used for development and
// single-machine deployments.
type boltBackend struct {
	db *bolt.DB
}

// NewBolt creates a Store backed by a bbolt database file at path.
func NewBolt(path string, logger *slog.Logger) (*Table, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, createErr := tx.CreateBucketIfNotExists(recordsBucket)
		return createErr
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return newTable(&boltBackend{db: db}, logger), nil
}

// CloseBolt closes the underlying database of a bbolt-backed Table. It is a
// no-op for other backends.
func CloseBolt(t *Table) error {
	if b, ok := t.backend.(*boltBackend); ok {
		return b.db.Close()
	}
	return nil
}

func (b *boltBackend) put(_ context.Context, key string, data []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put([]byte(key), data)
	})
}

func (b *boltBackend) get(_ context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(recordsBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *boltBackend) del(_ context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(key))
	})
}

func (b *boltBackend) list(_ context.Context, prefix string) ([][]byte, error) {
	var values [][]byte
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			data := make([]byte, len(v))
			copy(data, v)
			values = append(values, data)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}
