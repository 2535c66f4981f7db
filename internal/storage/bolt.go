package storage

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/boltdb/bolt"
)

var indexBucket = []byte("vnodes")

// BoltStore is a durable Store backed by a BoltDB file. Each vnode's
// key set lives in its own nested bucket under a single top-level
// bucket, keyed by the big-endian vnode id.
type BoltStore struct {
	db     *bolt.DB
	dbfile string
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore creates a store persisting to name.db under datadir.
// Open must be called before use.
func NewBoltStore(datadir, name string) *BoltStore {
	return &BoltStore{
		dbfile: filepath.Join(datadir, name+".db"),
	}
}

// Open opens the underlying database file, creating it if needed.
func (s *BoltStore) Open(mode os.FileMode) (err error) {
	if s.db, err = bolt.Open(s.dbfile, mode, nil); err == nil {
		err = s.db.Update(func(btx *bolt.Tx) error {
			_, er := btx.CreateBucketIfNotExists(indexBucket)
			return er
		})
	}
	return
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func vnodeBucketName(vnode uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], vnode)
	return b[:]
}

// LoadKeys returns the key set for the vnode.
func (s *BoltStore) LoadKeys(ctx context.Context, vnode uint32) ([]string, error) {
	var keys []string
	err := s.db.View(func(btx *bolt.Tx) error {
		vb := btx.Bucket(indexBucket).Bucket(vnodeBucketName(vnode))
		if vb == nil {
			return nil
		}
		return vb.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// AddKey records key under the vnode.
func (s *BoltStore) AddKey(ctx context.Context, vnode uint32, key string) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		vb, err := btx.Bucket(indexBucket).CreateBucketIfNotExists(vnodeBucketName(vnode))
		if err != nil {
			return err
		}
		return vb.Put([]byte(key), nil)
	})
}

// RemoveKey deletes key from the vnode. Absent keys are a no-op.
func (s *BoltStore) RemoveKey(ctx context.Context, vnode uint32, key string) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		vb := btx.Bucket(indexBucket).Bucket(vnodeBucketName(vnode))
		if vb == nil {
			return nil
		}
		return vb.Delete([]byte(key))
	})
}
