package store

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/mjl-mta/relaylib/message"
	"github.com/mjl-mta/relaylib/queue"
)

var bucketEntries = []byte("entries")

// BoltStore persists queued entries as one JSON record per key in a
// single bbolt database file. Grounded on the teacher's direct
// go.etcd.io/bbolt dependency (go.mod); deliberately NOT built on the
// teacher's own bstore ORM, see DESIGN.md's justification (bstore wants
// struct-tag-driven schema registration for typed tables, whereas this
// storage contract is six opaque-blob operations keyed by a string id,
// which bbolt's raw bucket API expresses directly without a schema
// layer).
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens (creating if absent) a bbolt database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: opening bolt database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: creating bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying bbolt database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Write(ctx context.Context, env *message.Envelope, meta queue.Metadata) (string, error) {
	b, err := encodeRecord(env, meta)
	if err != nil {
		return "", err
	}
	var id string
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		for {
			candidate, err := newRandomID()
			if err != nil {
				return err
			}
			if bucket.Get([]byte(candidate)) != nil {
				continue
			}
			id = candidate
			return bucket.Put([]byte(id), b)
		}
	})
	if err != nil {
		return "", fmt.Errorf("store: writing entry: %w", err)
	}
	return id, nil
}

func (s *BoltStore) Get(ctx context.Context, id string) (*message.Envelope, queue.Metadata, error) {
	var env *message.Envelope
	var meta queue.Metadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get([]byte(id))
		if v == nil {
			return queue.ErrNotFound
		}
		var derr error
		env, meta, derr = decodeRecord(v)
		return derr
	})
	if err != nil {
		return nil, queue.Metadata{}, err
	}
	return env, meta, nil
}

func (s *BoltStore) WriteMetadata(ctx context.Context, id string, meta queue.Metadata) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		v := bucket.Get([]byte(id))
		if v == nil {
			return queue.ErrNotFound
		}
		env, _, err := decodeRecord(v)
		if err != nil {
			return err
		}
		b, err := encodeRecord(env, meta)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), b)
	})
}

func (s *BoltStore) SetRecipientsDelivered(ctx context.Context, id string, delivered []bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		v := bucket.Get([]byte(id))
		if v == nil {
			return queue.ErrNotFound
		}
		env, meta, err := decodeRecord(v)
		if err != nil {
			return err
		}
		meta.Delivered = delivered
		b, err := encodeRecord(env, meta)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), b)
	})
}

func (s *BoltStore) LoadAll(ctx context.Context) ([]queue.StoreEntry, error) {
	var out []queue.StoreEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			env, meta, err := decodeRecord(v)
			if err != nil {
				return fmt.Errorf("store: decoding entry %s: %w", k, err)
			}
			out = append(out, queue.StoreEntry{ID: string(k), Env: env, Meta: meta})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Remove(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(id))
	})
}
